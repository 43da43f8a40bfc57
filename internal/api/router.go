package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
)

// Config wires the router.
type Config struct {
	Dashboard *Dashboard
	Hub       *Hub
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Log     logging.Logger
	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string
}

// NewRouter returns the read API wrapped in recovery, CORS and request
// logging.
func NewRouter(cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = logging.Noop()
	}
	d := cfg.Dashboard
	if d == nil {
		d = NewDashboard(nil)
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/readings/latest", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Latest())
	}).Methods(http.MethodGet)
	r.HandleFunc("/readings/history", func(w http.ResponseWriter, req *http.Request) {
		history := d.History()
		if raw := req.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			if n < len(history) {
				history = history[len(history)-n:]
			}
		}
		writeJSON(w, http.StatusOK, history)
	}).Methods(http.MethodGet)
	r.HandleFunc("/images/latest", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.LatestImage())
	}).Methods(http.MethodGet)
	r.HandleFunc("/gallery", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Gallery())
	}).Methods(http.MethodGet)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}
	if cfg.Hub != nil {
		r.Handle("/ws", cfg.Hub).Methods(http.MethodGet)
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	var h http.Handler = r
	h = handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
	)(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{log}))(h)
	return handlers.CustomLoggingHandler(io.Discard, h, func(_ io.Writer, p handlers.LogFormatterParams) {
		log.Debug(p.Request.Context(), "http request",
			logging.String("method", p.Request.Method),
			logging.String("path", p.URL.Path),
			logging.Int("status", p.StatusCode),
			logging.Int("bytes", p.Size),
		)
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type recoveryLogger struct {
	log logging.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error(context.Background(), "http handler panic", logging.Any("panic", v))
}
