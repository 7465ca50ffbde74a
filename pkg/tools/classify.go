package tools

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/rhuss/dialog/pkg/api"
)

var transientMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"network",
	"connection reset",
	"connection refused",
	"rate limit",
	"too many requests",
	"temporary",
	"temporarily",
}

// IsTransient reports whether a tool failure is worth retrying later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || api.IsRateLimit(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
