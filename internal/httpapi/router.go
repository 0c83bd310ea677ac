// Package httpapi assembles the relay's HTTP surface: health, metrics, the
// WebSocket endpoint and the device status callback.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/Tris860/webServer/internal/logging"
	authmw "github.com/Tris860/webServer/internal/middleware"
	"github.com/Tris860/webServer/internal/model"
	"github.com/Tris860/webServer/internal/notify"
	"github.com/Tris860/webServer/internal/observability"
	"github.com/Tris860/webServer/internal/ratelimit"
)

const CorrelationHeader = "X-Correlation-ID"

type StatusHandler interface {
	Handle(ctx context.Context, upd model.StatusUpdate) int
}

type Deps struct {
	Sessions       http.Handler
	Status         StatusHandler
	Metrics        http.Handler
	Tracer         oteltrace.Tracer
	Limiter        *ratelimit.Limiter
	CallbackSecret string
	AllowedOrigins []string
}

func NewRouter(d Deps) http.Handler {
	tracer := d.Tracer
	if tracer == nil {
		tracer = observability.Tracer()
	}
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationMiddleware)
	r.Use(observability.MetricsAndTracingMiddleware(tracer))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", CorrelationHeader},
		ExposedHeaders: []string{CorrelationHeader},
		MaxAge:         300,
	}))

	limit := func(h http.Handler) http.Handler { return h }
	if d.Limiter != nil {
		limit = d.Limiter.Middleware(ratelimit.KeyByIP)
	}

	r.Get("/", handleHealth)
	r.Get("/healthz", handleHealth)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	if d.Sessions != nil {
		r.With(limit).Get("/ws", d.Sessions.ServeHTTP)
		r.With(limit).Get("/ws/{email}", d.Sessions.ServeHTTP)
	}
	// The callback is not rate limited: it always acknowledges the pusher.
	r.With(authmw.CallbackAuth(d.CallbackSecret)).Post("/notify/device-status", statusCallback(d.Status))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(CorrelationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithCorrelationID(r.Context(), id)))
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Relay gateway is running"})
}

// statusCallback always acknowledges, including for payloads it cannot use.
func statusCallback(h StatusHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var upd model.StatusUpdate
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&upd); err != nil {
			slog.WarnContext(r.Context(), "undecodable status callback", "error", err)
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Status payload ignored"})
			return
		}
		delivered := 0
		if h != nil {
			delivered = h.Handle(r.Context(), upd)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": notify.Ack(delivered)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
