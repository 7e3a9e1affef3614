// Package httpapi exposes the prediction bridge over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/glimte/procapi-go/bridge"
	"github.com/glimte/procapi-go/contracts"
	"github.com/glimte/procapi-go/internal/reliability"
	"github.com/glimte/procapi-go/internal/tracing"
)

// Predictor is the prediction surface served over HTTP
type Predictor interface {
	Short(ctx context.Context, in contracts.InputData) (contracts.OutputData, error)
	Long(ctx context.Context, in contracts.InputData) (uuid.UUID, error)
	Result(ctx context.Context, id string) (out contracts.OutputData, ready bool, err error)
}

type routerConfig struct {
	logger       *slog.Logger
	health       http.Handler
	liveness     http.Handler
	maxBodyBytes int64
}

// Option configures the router
type Option func(*routerConfig)

// WithLogger sets the request logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *routerConfig) {
		c.logger = logger
	}
}

// WithHealth mounts the readiness handler at /healthz
func WithHealth(h http.Handler) Option {
	return func(c *routerConfig) {
		c.health = h
	}
}

// WithLiveness mounts the liveness handler at /livez
func WithLiveness(h http.Handler) Option {
	return func(c *routerConfig) {
		c.liveness = h
	}
}

// WithMaxBodyBytes caps request bodies
func WithMaxBodyBytes(n int64) Option {
	return func(c *routerConfig) {
		c.maxBodyBytes = n
	}
}

type handlers struct {
	predictor    Predictor
	logger       *slog.Logger
	maxBodyBytes int64
}

// NewRouter builds the HTTP handler
func NewRouter(predictor Predictor, opts ...Option) http.Handler {
	cfg := &routerConfig{
		logger:       slog.Default(),
		maxBodyBytes: 16 << 20,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &handlers{
		predictor:    predictor,
		logger:       cfg.logger.With("component", "http"),
		maxBodyBytes: cfg.maxBodyBytes,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.Middleware("procapi"))
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Route("/prediction", func(r chi.Router) {
		r.Post("/short", h.short)
		r.Post("/long", h.long)
		r.Get("/result", h.result)
	})

	if cfg.health != nil {
		r.Method(http.MethodGet, "/healthz", cfg.health)
	}
	if cfg.liveness != nil {
		r.Method(http.MethodGet, "/livez", cfg.liveness)
	}

	return r
}

func (h *handlers) short(w http.ResponseWriter, r *http.Request) {
	in, err := h.decodeInput(w, r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	out, err := h.predictor.Short(r.Context(), in)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) long(w http.ResponseWriter, r *http.Request) {
	in, err := h.decodeInput(w, r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	id, err := h.predictor.Long(r.Context(), in)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, id.String())
}

func (h *handlers) result(w http.ResponseWriter, r *http.Request) {
	out, ready, err := h.predictor.Result(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if !ready {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) decodeInput(w http.ResponseWriter, r *http.Request) (contracts.InputData, error) {
	var in contracts.InputData

	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return in, fmt.Errorf("%w: request body exceeds %d bytes", contracts.ErrInvalidInput, tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return in, fmt.Errorf("%w: empty request body", contracts.ErrInvalidInput)
		}
		return in, fmt.Errorf("%w: %v", contracts.ErrInvalidInput, err)
	}
	return in, nil
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("unable to write response", "error", err)
	}
}

func (h *handlers) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err,
			"requestId", middleware.GetReqID(r.Context()), "traceId", tracing.TraceID(r.Context()))
	} else {
		h.logger.Info("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, werr := w.Write([]byte(err.Error())); werr != nil {
		h.logger.Error("unable to write response", "error", werr)
	}
}

// StatusCode maps bridge errors to HTTP status codes
func StatusCode(err error) int {
	var publishErr *contracts.PublishError
	switch {
	case errors.Is(err, contracts.ErrInvalidInput),
		errors.Is(err, contracts.ErrInvalidCorrelationID):
		return http.StatusBadRequest
	case errors.Is(err, contracts.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &publishErr),
		errors.Is(err, contracts.ErrClosed),
		errors.Is(err, bridge.ErrTooManyPending),
		errors.Is(err, reliability.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// client went away
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("request served",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"requestId", middleware.GetReqID(r.Context()),
				"traceId", tracing.TraceID(r.Context()))
		})
	}
}
