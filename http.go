package gridsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// rateLimiter implements a simple token bucket rate limiter per IP
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
	cleanup  time.Duration // cleanup interval
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

// newRateLimiter creates a rate limiter with the given rate per window.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		cleanup:  window * 2,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for ip, v := range rl.visitors {
			if now.Sub(v.lastReset) > rl.cleanup {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, exists := rl.visitors[ip]
	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: now}
		return true
	}

	if now.Sub(v.lastReset) >= rl.window {
		v.tokens = rl.rate - 1
		v.lastReset = now
		return true
	}

	if v.tokens > 0 {
		v.tokens--
		return true
	}

	return false
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	// Check X-Real-IP header
	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// rateLimitMiddleware wraps a handler with rate limiting
func rateLimitMiddleware(rl *rateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// corsMiddleware allows the browser grid and the add-in to call the relay
// from other origins.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cache-Control")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// middlewareWrapper wraps handlers with rate limiting and CORS
type middlewareWrapper func(h http.HandlerFunc) http.HandlerFunc

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode error", "err", err)
	}
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode error", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSONStatus(w, status, map[string]string{"error": err.Error()})
}

// Server is the sync gateway: it exposes the document store over HTTP and
// streams change events to subscribers.
type Server struct {
	config      Config
	store       DocumentStore
	broadcaster *Broadcaster
	sessions    *sessionRegistry
	archiver    Archiver

	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

// NewServer creates a relay server from config. The store backend and
// optional archiver are constructed here; use NewServerWith to inject
// custom implementations.
func NewServer(cfg Config) (*Server, error) {
	cfg.fixup()

	var store DocumentStore
	switch cfg.Store.Backend {
	case "", "memory":
		store = NewMemoryStore()
	case "sqlite":
		scfg := DefaultSQLiteStoreConfig()
		if cfg.Store.Path != "" {
			scfg.Path = cfg.Store.Path
		}
		scfg.Compress = cfg.Store.Compress
		if cfg.Store.EncryptionPassword != "" {
			scfg.Encryption = &EncryptionConfig{
				Enabled:     true,
				KeyPassword: cfg.Store.EncryptionPassword,
			}
		}
		var err error
		store, err = NewSQLiteStore(scfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	var archiver Archiver
	if cfg.Archive != nil && cfg.Archive.Enabled {
		a, err := NewS3Archiver(*cfg.Archive)
		if err != nil {
			store.Close()
			return nil, err
		}
		archiver = a
	}

	return NewServerWith(cfg, store, archiver), nil
}

// NewServerWith creates a relay server around an existing store and
// optional archiver.
func NewServerWith(cfg Config, store DocumentStore, archiver Archiver) *Server {
	cfg.fixup()
	return &Server{
		config: cfg,
		store:  store,
		broadcaster: NewBroadcaster(BroadcasterConfig{
			BufferSize:     cfg.Stream.BufferSize,
			MaxSubscribers: cfg.Stream.MaxSubscribers,
		}),
		sessions: newSessionRegistry(),
		archiver: archiver,
	}
}

// Broadcaster exposes the change broadcaster, mainly for tests and for
// embedding the server in a larger process.
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Store exposes the document store.
func (s *Server) Store() DocumentStore {
	return s.store
}

// Handler builds the gateway route table.
func (s *Server) Handler() http.Handler {
	var rl *rateLimiter
	if s.config.RateLimitPerSecond > 0 {
		rl = newRateLimiter(s.config.RateLimitPerSecond, time.Second)
	}

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		h = corsMiddleware(h)
		if rl != nil {
			h = rateLimitMiddleware(rl, h)
		}
		return h
	}

	mux := http.NewServeMux()
	s.setupDocumentRoutes(mux, wrap)
	s.setupBudgetBookRoutes(mux, wrap)
	s.setupStreamRoutes(mux, wrap)
	s.setupAdminRoutes(mux, wrap)
	return mux
}

// setupDocumentRoutes configures document read/write endpoints
func (s *Server) setupDocumentRoutes(mux *http.ServeMux, wrap middlewareWrapper) {
	mux.HandleFunc("/api/documents", wrap(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			docs, err := s.store.List(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if docs == nil {
				docs = []*Document{}
			}
			writeJSON(w, docs)
		case http.MethodPost:
			s.handleCreate(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))

	mux.HandleFunc("/api/documents/", wrap(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/documents/")
		if id, ok := strings.CutSuffix(rest, "/update"); ok {
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			s.handleUpdate(w, r, id)
			return
		}
		if strings.Contains(rest, "/") || rest == "" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleGet(w, r, rest)
	}))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	doc, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "Document not found"})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, doc)
}

// createRequest is an UpdateRequest that also names the document.
type createRequest struct {
	DocumentID string `json:"documentId"`
	UpdateRequest
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.HTTP.MaxBodyBytes)
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DocumentID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: documentId is required", ErrInvalidUpdate))
		return
	}

	doc, err := s.store.Upsert(r.Context(), req.DocumentID, req.UpdateRequest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.broadcaster.Publish(ChangeEvent{
		Type:       EventDocumentCreated,
		DocumentID: doc.DocumentID,
	})
	s.archive(doc)
	writeJSONStatus(w, http.StatusCreated, doc)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, id string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.HTTP.MaxBodyBytes)
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	doc, err := s.store.Upsert(r.Context(), id, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// sourceType echoes the writer's type so its own agent can drop the echo.
	s.broadcaster.Publish(ChangeEvent{
		Type:       EventDataUpdate,
		DocumentID: doc.DocumentID,
		Data:       doc.Data,
		Ranges:     doc.Ranges,
		Layout:     doc.Layout,
		Charts:     doc.Charts,
		SourceType: req.Type,
	})
	s.archive(doc)
	writeJSON(w, doc)
}

// setupBudgetBookRoutes configures the budget book sub-resource
func (s *Server) setupBudgetBookRoutes(mux *http.ServeMux, wrap middlewareWrapper) {
	mux.HandleFunc("/api/budget-book", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		bb, err := s.store.GetBudgetBook(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, bb)
	}))

	mux.HandleFunc("/api/budget-book/update", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.config.HTTP.MaxBodyBytes)
		var req BudgetBookUpdate
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Image == "" && req.Screenshots == nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: image or screenshots required", ErrInvalidUpdate))
			return
		}
		bb, err := s.store.UpsertBudgetBook(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.archiveBudgetBook(bb)
		writeJSON(w, map[string]any{"success": true, "updatedAt": bb.UpdatedAt})
	}))
}

// setupAdminRoutes configures health and operational endpoints
func (s *Server) setupAdminRoutes(mux *http.ServeMux, wrap middlewareWrapper) {
	mux.HandleFunc("/api/health", wrap(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}))

	mux.HandleFunc("/api/stats", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		docs, err := s.store.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, map[string]any{
			"documents": len(docs),
			"stream":    s.broadcaster.Stats(),
			"sessions":  s.sessions.Count(),
		})
	}))

	mux.HandleFunc("/api/sessions", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, s.sessions.List())
	}))
}

// archive pushes a document snapshot to the archiver, best-effort.
func (s *Server) archive(doc *Document) {
	if s.archiver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.archiver.ArchiveDocument(ctx, doc); err != nil {
			slog.Error("document archive error", "documentId", doc.DocumentID, "err", err)
		}
	}()
}

// archiveBudgetBook pushes a budget book snapshot to the archiver, best-effort.
func (s *Server) archiveBudgetBook(bb *BudgetBook) {
	if s.archiver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.archiver.ArchiveBudgetBook(ctx, bb); err != nil {
			slog.Error("budget book archive error", "err", err)
		}
	}()
}

// ListenAndServe starts the gateway HTTP server and blocks until Close.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.config.HTTP.Host, s.config.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler: s.Handler(),
		// No global write timeout: the stream endpoints are long-lived.
		ReadHeaderTimeout: s.config.HTTP.ReadTimeout,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return ErrClosed
	}
	s.srv = srv
	s.mu.Unlock()

	slog.Info("gridsync relay listening", "addr", addr)
	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down the HTTP server, the broadcaster, and the store.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.srv
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.broadcaster.Close()
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
