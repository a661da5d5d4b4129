package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rjboer/GoMIMO/internal/logging"
)

// WebServer exposes report history and live updates over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// NewWebServer builds an HTTP server serving the history, live and config
// endpoints.
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebServer{
		hub:    hub,
		srv:    &http.Server{Addr: addr, Handler: hub.Handler(), ReadHeaderTimeout: 5 * time.Second},
		logger: logger.With(logging.F("subsystem", "telemetry")),
	}
}

// Handler routes the hub endpoints.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", h.handleHistory)
	mux.HandleFunc("/api/live", h.handleLive)
	mux.HandleFunc("/api/config", h.handleConfig)
	return mux
}

// Start begins listening and shuts down when the context is canceled.
func (w *WebServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web telemetry shutdown", logging.F("error", err))
		}
	}()

	w.logger.Info("web telemetry listening", logging.F("addr", w.srv.Addr))
	if err := w.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.logger.Error("web telemetry server error", logging.F("error", err))
		return err
	}
	return nil
}
