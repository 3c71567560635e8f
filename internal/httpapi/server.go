// Package httpapi binds the RPC dispatcher to the UI boundary. The side
// panel talks to the background engine over POST /rpc for request/response
// messages and a websocket for server-state push and page-tool routing.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sidepanel-ai/mcpbridge-go/internal/observability"
	"github.com/sidepanel-ai/mcpbridge-go/internal/rpc"
	"github.com/sidepanel-ai/mcpbridge-go/internal/state"
	"github.com/sidepanel-ai/mcpbridge-go/internal/webmcp"
)

// Server is the HTTP surface of the bridge.
type Server struct {
	dispatcher *rpc.Dispatcher
	store      *state.Store
	pages      *webmcp.Registry
	metrics    *observability.Metrics
	logger     *zap.Logger
	router     chi.Router
	hub        *wsHub

	httpServer *http.Server
}

// NewServer wires the router. metrics may be nil; /metrics then answers 404.
func NewServer(dispatcher *rpc.Dispatcher, store *state.Store, pages *webmcp.Registry, metrics *observability.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		dispatcher: dispatcher,
		store:      store,
		pages:      pages,
		metrics:    metrics,
		logger:     logger.Named("httpapi"),
		router:     chi.NewRouter(),
	}
	s.hub = newWSHub(s)
	if pages != nil {
		pages.SetSender(s.hub.sendToPage)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Minute))
		r.Post("/rpc", s.handleRPC)
	})
	s.router.Get("/ws", s.hub.handleUpgrade)
}

// Handler exposes the router (tests mount it on httptest).
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.logger.Info("HTTP API listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.closeAll()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRPC decodes one envelope, dispatches it, and answers with the
// correlated response. Transport-level failures are still valid envelopes so
// the UI never sees a bare HTTP error for a well-formed request.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, rpc.Response{
			Success: false,
			Error:   "malformed request envelope: " + err.Error(),
		})
		return
	}
	if req.Type == "" {
		s.writeJSON(w, http.StatusBadRequest, rpc.Response{
			ID:      req.ID,
			Success: false,
			Error:   "message type is required",
		})
		return
	}
	resp := s.dispatcher.Dispatch(r.Context(), &req)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}
