// Package webhook exposes the HTTP intake and management surface:
// event injection, plugin status, plugin refresh, and metrics.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/opqbot/opqbot/internal/event"
	"github.com/opqbot/opqbot/internal/metrics"
	"github.com/opqbot/opqbot/internal/plugin"
)

// Runtime is the slice of the bot the webhook surface needs.
type Runtime interface {
	// Inject feeds a raw event into the dispatch pipeline as if it had
	// arrived from the gateway.
	Inject(raw event.RawEvent) error
	// PluginStatuses reports loaded plugins in dispatch order.
	PluginStatuses() []plugin.Status
	// RefreshPlugins rescans the plugin directory.
	RefreshPlugins() error
}

type Server struct {
	runtime Runtime
	token   string
	srv     *http.Server
}

// New builds the webhook server. An empty token disables auth.
func New(listen, token string, runtime Runtime) *Server {
	s := &Server{runtime: runtime, token: token}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.auth(s.handleEvents))
	mux.HandleFunc("GET /plugins", s.auth(s.handlePlugins))
	mux.HandleFunc("POST /plugins/refresh", s.auth(s.handleRefresh))
	mux.Handle("GET /metrics", metrics.Handler())

	s.srv = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Stop. It blocks.
func (s *Server) Start() error {
	log.Printf("webhook: listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.token == "" {
		return next
	}
	want := "Bearer " + s.token
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var raw event.RawEvent
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}
	if raw.Name == "" {
		http.Error(w, "event name is required", http.StatusBadRequest)
		return
	}
	if err := s.runtime.Inject(raw); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.runtime.PluginStatuses())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.RefreshPlugins(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.runtime.PluginStatuses())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("webhook: encoding response: %v", err)
	}
}
