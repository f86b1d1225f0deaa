// Package api exposes conversation turns, pending intents, drafts and the
// audit trail over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/bdobrica/tradedesk/common/trace"
	"github.com/bdobrica/tradedesk/internal/tradedesk/app"
)

// Server is the HTTP front end of an App.
type Server struct {
	app       *app.App
	addr      string
	startedAt time.Time
	router    chi.Router
	server    *http.Server

	// AllowedOrigins restricts websocket upgrades. Empty allows same-origin
	// requests only.
	AllowedOrigins []string
}

// New creates a Server for a on addr. It does not listen until Start.
func New(a *app.App, addr string) *Server {
	s := &Server{app: a, addr: addr, startedAt: time.Now()}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(traceRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", s.handleTurn)
		r.Get("/turns/ws", s.handleTurnStream)
		r.Get("/sessions/{sessionID}/intents", s.handleListIntents)
		r.Post("/intents/{intentID}/confirm", s.handleConfirmIntent)
		r.Post("/intents/{intentID}/cancel", s.handleCancelIntent)
		r.Get("/drafts/{draftID}", s.handleGetDraft)
		r.Patch("/drafts/{draftID}", s.handlePatchDraft)
		r.Get("/audit", s.handleAudit)
	})
	s.router = r
	return s
}

// traceRequests adopts the caller's X-Trace-ID, or assigns one, and echoes
// it on the response.
func traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(trace.HeaderName)
		if id == "" {
			id = trace.GenerateID()
		}
		w.Header().Set(trace.HeaderName, id)
		next.ServeHTTP(w, r.WithContext(trace.WithTraceID(r.Context(), id)))
	})
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins listening in the background and shuts down when ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api server: listen %s: %w", s.addr, err)
	}

	// No WriteTimeout: websocket turns stay open.
	s.server = &http.Server{
		Handler:     s,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("api server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("api server shutdown error", "err", err)
	}
}

// JSON writes v with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode JSON response", "err", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// internalError logs err and answers with a fixed apology; internal details
// never reach the client.
func internalError(w http.ResponseWriter, r *http.Request, err error) {
	trace.Logger(r.Context()).Error("api: request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	Error(w, http.StatusInternalServerError, app.MsgUnexpected)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
