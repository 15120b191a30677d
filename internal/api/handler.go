// Package api exposes the timeline engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/tracealign/internal/api/gateway"
	"github.com/lvonguyen/tracealign/internal/cache"
	"github.com/lvonguyen/tracealign/internal/config"
	"github.com/lvonguyen/tracealign/internal/observability"
	"github.com/lvonguyen/tracealign/internal/telemetry/binning"
	"github.com/lvonguyen/tracealign/internal/telemetry/correlation"
	"github.com/lvonguyen/tracealign/internal/telemetry/extraction"
	"github.com/lvonguyen/tracealign/internal/telemetry/ingestion"
)

// Handler serves correlation requests.
type Handler struct {
	correlation config.CorrelationConfig
	cache       *cache.ResultCache
	limiter     *gateway.RateLimiter
	metrics     *observability.Metrics
	logger      *zap.Logger
	maxBody     int64
	version     string
}

// Options configures a Handler.
type Options struct {
	Correlation  config.CorrelationConfig
	Cache        *cache.ResultCache
	RateLimiter  *gateway.RateLimiter // optional
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	MaxBodyBytes int64
	Version      string
}

// NewHandler creates a new handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = config.DefaultConfig().Server.MaxBodyBytes
	}
	return &Handler{
		correlation: opts.Correlation,
		cache:       opts.Cache,
		limiter:     opts.RateLimiter,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		maxBody:     opts.MaxBodyBytes,
		version:     opts.Version,
	}
}

// Router builds the chi router. metricsHandler may be nil.
func (h *Handler) Router(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.observe)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware)
		}
		r.Post("/correlate", h.handleCorrelate)
	})

	return r
}

// observe logs each request and records request metrics.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		elapsed := time.Since(start)

		if h.metrics != nil {
			h.metrics.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
			h.metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())
		}
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": h.version})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Ping(r.Context()); err != nil {
		h.logger.Warn("Readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "not_ready", "result cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.requestConfig(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameters", err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "record_too_large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_record", "error reading body")
		return
	}

	ctx := r.Context()
	key := cache.Key(body, cfg)
	if h.cache.Enabled() {
		cached, found, err := h.cache.Get(ctx, key)
		switch {
		case err != nil:
			h.observeCache("error")
			h.logger.Warn("Cache lookup failed, running engine", zap.Error(err))
		case found:
			h.observeCache("hit")
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, cached)
			return
		default:
			h.observeCache("miss")
		}
	}

	snap, err := ingestion.DecodeBytes(body)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	var opts []correlation.Option
	if h.metrics != nil {
		opts = append(opts, correlation.WithRecorder(h.metrics))
	}
	engine, err := correlation.NewEngine(cfg, h.logger, opts...)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameters", err.Error())
		return
	}

	result, err := engine.Assemble(ctx, snap)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	if err := h.cache.Set(ctx, key, result); err != nil {
		h.logger.Warn("Failed to cache result", zap.String("run_id", result.RunID), zap.Error(err))
	}

	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, result)
}

// requestConfig applies query parameter overrides to the default settings.
func (h *Handler) requestConfig(r *http.Request) (config.CorrelationConfig, error) {
	cfg := h.correlation
	q := r.URL.Query()

	floats := []struct {
		name string
		dst  *float64
	}{
		{"interval", &cfg.TimeInterval},
		{"offset", &cfg.Offset},
		{"threshold", &cfg.Threshold},
	}
	for _, f := range floats {
		raw := q.Get(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return cfg, fmt.Errorf("%s must be a number, got %q", f.name, raw)
		}
		*f.dst = v
	}
	if title := q.Get("title"); title != "" {
		cfg.Title = title
	}

	return cfg, cfg.Validate()
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, binning.ErrNothingToDisplay):
		writeError(w, http.StatusUnprocessableEntity, "nothing_to_display", err.Error())
	case errors.Is(err, binning.ErrTooManyBuckets):
		writeError(w, http.StatusUnprocessableEntity, "too_many_buckets", err.Error())
	case errors.Is(err, extraction.ErrMalformedToken), errors.Is(err, ingestion.ErrMalformedTimestamp):
		writeError(w, http.StatusUnprocessableEntity, "malformed_input", err.Error())
	case errors.Is(err, ingestion.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, "invalid_record", err.Error())
	default:
		h.logger.Error("Correlation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "correlation failed")
	}
}

func (h *Handler) observeCache(result string) {
	if h.metrics != nil {
		h.metrics.ObserveCache(result)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
