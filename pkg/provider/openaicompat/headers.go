package openaicompat

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rhuss/dialog/pkg/api"
)

// Rate limit headers reported by OpenAI-compatible endpoints.
const (
	headerLimitRequests     = "X-Ratelimit-Limit-Requests"
	headerLimitTokens       = "X-Ratelimit-Limit-Tokens"
	headerRemainingRequests = "X-Ratelimit-Remaining-Requests"
	headerRemainingTokens   = "X-Ratelimit-Remaining-Tokens"
	headerResetRequests     = "X-Ratelimit-Reset-Requests"
	headerResetTokens       = "X-Ratelimit-Reset-Tokens"
	headerRetryAfterMs      = "Retry-After-Ms"
)

// now is replaced in tests that parse HTTP-date Retry-After values.
var now = time.Now

// ParseRateLimits extracts the x-ratelimit-* headers. Missing or malformed
// headers are left unreported.
func ParseRateLimits(h http.Header) api.RateLimits {
	var rl api.RateLimits

	if v, ok := headerInt(h, headerLimitRequests); ok {
		rl.RequestsLimit = v
		rl.Reported |= api.FieldRequestsLimit
	}
	if v, ok := headerInt(h, headerLimitTokens); ok {
		rl.TokensLimit = v
		rl.Reported |= api.FieldTokensLimit
	}
	if v, ok := headerInt(h, headerRemainingRequests); ok {
		rl.RequestsRemaining = v
		rl.Reported |= api.FieldRequestsRemaining
	}
	if v, ok := headerInt(h, headerRemainingTokens); ok {
		rl.TokensRemaining = v
		rl.Reported |= api.FieldTokensRemaining
	}
	if d, ok := ParseResetDuration(h.Get(headerResetRequests)); ok {
		rl.ResetRequests = d
		rl.Reported |= api.FieldResetRequests
	}
	if d, ok := ParseResetDuration(h.Get(headerResetTokens)); ok {
		rl.ResetTokens = d
		rl.Reported |= api.FieldResetTokens
	}

	return rl
}

func headerInt(h http.Header, key string) (int, bool) {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ParseResetDuration parses a reset header value. Endpoints send either a
// Go-style duration ("6m0s", "20ms", "1.5s") or a plain number of seconds.
func ParseResetDuration(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

// ParseRetryAfter returns the server-declared wait before the next attempt,
// or zero when none was declared. retry-after-ms takes precedence over
// Retry-After, which may hold delta-seconds or an HTTP-date.
func ParseRetryAfter(h http.Header) time.Duration {
	if v := strings.TrimSpace(h.Get(headerRetryAfterMs)); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}

	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now()); d > 0 {
			return d
		}
	}
	return 0
}
