package telemetry

import (
	"context"
	"embed"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rjboer/GoAScope/internal/logging"
)

//go:embed static/*
var staticFiles embed.FS

// WebServer exposes batch history, reader status and live updates over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// Handler builds the HTTP routes served for hub.
func Handler(hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/static/", http.FileServer(http.FS(staticFiles)))
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/ws", hub.handleWS)
	mux.HandleFunc("/api/status", hub.handleStatus)
	mux.HandleFunc("/api/health", hub.handleHealth)
	mux.HandleFunc("/api/config", hub.handleGetConfig)
	mux.HandleFunc("/api/config/update", hub.handleSetConfig)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFileFS(w, r, staticFiles, "static/index.html")
	})
	return mux
}

// NewWebServer builds an HTTP server serving the embedded page and the API.
func NewWebServer(addr string, hub *Hub) *WebServer {
	return &WebServer{
		hub:    hub,
		logger: hub.logger,
		srv:    &http.Server{Addr: addr, Handler: Handler(hub), ReadHeaderTimeout: 5 * time.Second},
	}
}

// Start listens until ctx is cancelled. It returns nil after a clean
// shutdown.
func (w *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.srv.Addr)
	if err != nil {
		return err
	}
	return w.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (w *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web telemetry shutdown", logging.Field{Key: "err", Value: err})
		}
	}()

	w.logger.Info("web telemetry listening", logging.Field{Key: "addr", Value: ln.Addr().String()})
	if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
