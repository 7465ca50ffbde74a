package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/debug"
	"github.com/rhuss/dialog/pkg/observability"
	"github.com/rhuss/dialog/pkg/transport"
)

// Adapter serves the text-generation contract over HTTP.
type Adapter struct {
	handler transport.Handler
	mux     *http.ServeMux
	config  Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64

	// MetricsPath mounts the Prometheus handler. Empty disables it.
	MetricsPath string
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 1 << 20, // 1 MB
		MetricsPath: "/metrics",
	}
}

// NewAdapter creates an HTTP adapter dispatching to handler.
// Middleware is applied to the handler in the given order.
func NewAdapter(handler transport.Handler, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		handler = transport.Chain(middlewares...)(handler)
	}

	a := &Adapter{
		handler: handler,
		mux:     http.NewServeMux(),
		config:  cfg,
	}

	a.mux.HandleFunc("POST /v1/generate", a.handleGenerate)
	a.mux.HandleFunc("GET /healthz", a.handleHealth)
	if cfg.MetricsPath != "" {
		a.mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	}

	return a
}

// Handler returns the http.Handler for this adapter, wrapped with request
// metrics and X-Request-ID propagation.
func (a *Adapter) Handler() http.Handler {
	return observability.MetricsMiddleware(httpRequestIDMiddleware(a.mux))
}

// httpRequestIDMiddleware takes the X-Request-ID header, or assigns a new
// ID, stores it in the context and echoes it on the response.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(transport.ContextWithRequestID(r.Context(), id)))
	})
}

// handleGenerate handles POST /v1/generate.
func (a *Adapter) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("Content-Type must be application/json"),
				http.StatusUnsupportedMediaType,
			)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var req transport.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError(fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteAPIError(w, api.NewInvalidRequestError("invalid JSON: "+err.Error()))
		return
	}
	if r.Header.Get("Accept") == "text/event-stream" {
		req.Stream = true
	}

	debug.Log(debug.Transport, "generate request",
		"stream", req.Stream, "model", req.Model, "persona", req.Persona, "prompt", debug.Truncate(req.Prompt, 80))

	rw := newSSEResponseWriter(w)
	if err := a.handler.Generate(r.Context(), &req, rw); err != nil {
		a.writeHandlerError(w, rw, &req, err)
	}
}

// handleHealth handles GET /healthz.
func (a *Adapter) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// writeHandlerError reports a failed request. A stream that has started, or
// a stream request that passed validation, ends with an error event. Other
// failures get a JSON error body.
func (a *Adapter) writeHandlerError(w http.ResponseWriter, rw *sseResponseWriter, req *transport.GenerateRequest, err error) {
	if rw.completed() {
		return
	}
	apiErr := transport.ToAPIError(err)

	if rw.hasStartedStreaming() || (req.Stream && apiErr.Code != api.CodeInvalidRequest) {
		rw.WriteEvent(context.Background(), transport.Event{Type: transport.EventError, Error: apiErr})
		return
	}

	transport.WriteAPIError(w, apiErr)
}
