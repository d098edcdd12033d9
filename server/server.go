// Package server handles the HTTP signals sent by the Etherpad plugin.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"oae-pad-notifier/pkg/notifier"
	"strings"
	"time"
)

const maxBodyBytes = 64 << 10

// Store is the presence table the signals act on.
type Store interface {
	Join(documentID, authorID, userID, contentID, displayName string)
	RecordEdit(documentID, authorID string) bool
	Leave(ctx context.Context, documentID, authorID string, reason notifier.LeaveReason) bool
	DisplayNameOf(documentID, authorID string) (string, bool)
	Len() int
}

// Poller interface for triggering a reconcile sweep.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// BrokerState reports the notification broker connection state.
type BrokerState func() string

// Server handles HTTP requests.
type Server struct {
	store       Store
	poller      Poller
	brokerState BrokerState
	apiKey      string
	logger      *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Store       Store
	Poller      Poller
	BrokerState BrokerState
	APIKey      string // Required in X-API-Key on signal endpoints when set
	Logger      *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		store:       cfg.Store,
		poller:      cfg.Poller,
		brokerState: cfg.BrokerState,
		apiKey:      cfg.APIKey,
		logger:      cfg.Logger,
	}
	if s.brokerState == nil {
		s.brokerState = func() string { return "unknown" }
	}
	return s
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/signals/join", s.requireKey(s.handleJoin))
	mux.HandleFunc("/signals/edit", s.requireKey(s.handleEdit))
	mux.HandleFunc("/signals/leave", s.requireKey(s.handleLeave))
	mux.HandleFunc("/export-name", s.requireKey(s.handleExportName))
	mux.HandleFunc("/reconcilez", s.requireKey(s.handleReconcile))
	return mux
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
				s.logger.Warn("Rejected signal with bad API key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

type signal struct {
	DocumentID  string `json:"documentId"`
	AuthorID    string `json:"authorId"`
	UserID      string `json:"userId"`
	ContentID   string `json:"contentId"`
	DisplayName string `json:"displayName"`
}

// decodeSignal reads a JSON signal and checks the pad and author ids are present.
func (s *Server) decodeSignal(w http.ResponseWriter, r *http.Request) (signal, bool) {
	var sig signal
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return sig, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		s.logger.Warn("Malformed signal", "path", r.URL.Path, "error", err)
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return sig, false
	}

	sig.DocumentID = strings.TrimSpace(sig.DocumentID)
	sig.AuthorID = strings.TrimSpace(sig.AuthorID)
	if sig.DocumentID == "" || sig.AuthorID == "" {
		s.logger.Warn("Signal missing identifiers", "path", r.URL.Path, "document_id", sig.DocumentID, "author_id", sig.AuthorID)
		http.Error(w, "documentId and authorId are required", http.StatusBadRequest)
		return sig, false
	}
	return sig, true
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	sig, ok := s.decodeSignal(w, r)
	if !ok {
		return
	}
	s.store.Join(sig.DocumentID, sig.AuthorID, sig.UserID, sig.ContentID, sig.DisplayName)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	sig, ok := s.decodeSignal(w, r)
	if !ok {
		return
	}
	if !s.store.RecordEdit(sig.DocumentID, sig.AuthorID) {
		s.logger.Debug("Edit for untracked author", "document_id", sig.DocumentID, "author_id", sig.AuthorID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	sig, ok := s.decodeSignal(w, r)
	if !ok {
		return
	}
	s.store.Leave(r.Context(), sig.DocumentID, sig.AuthorID, notifier.LeaveExplicit)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	documentID := r.URL.Query().Get("documentId")
	authorID := r.URL.Query().Get("authorId")
	if documentID == "" || authorID == "" {
		http.Error(w, "documentId and authorId are required", http.StatusBadRequest)
		return
	}

	name, ok := s.store.DisplayNameOf(documentID, authorID)
	if !ok {
		http.Error(w, "Author not present", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"displayName": name})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Status  string `json:"status"`
		Broker  string `json:"broker"`
		Tracked int    `json:"tracked"`
	}{
		Status:  "healthy",
		Broker:  s.brokerState(),
		Tracked: s.store.Len(),
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Reconcile endpoint triggered")

	if err := s.poller.CheckAll(r.Context()); err != nil {
		s.logger.Error("Reconcile sweep failed", "error", err)
		http.Error(w, "Reconcile failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
