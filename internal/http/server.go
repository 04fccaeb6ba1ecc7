package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"chronodb/pkg/config"
	"chronodb/pkg/dberrors"
	"chronodb/pkg/store"
	"chronodb/pkg/types"

	"github.com/go-chi/chi/v5"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
)

type iStoreAPI interface {
	Tx(branch string, opts ...store.TxOption) (*store.Tx, error)
	TxAt(branch string, ts int64, opts ...store.TxOption) (*store.Tx, error)
	Now(branch string) (int64, error)
	Branches() []string
	CreateBranch(parent, name string, ts int64) error
	DropBranch(name string) error
	Rollover(branch string) error
}

// Server is the admin and debugging surface of a store.
type Server struct {
	store      iStoreAPI
	metrics    http.Handler
	httpServer *http.Server
	URL        string
	addr       string
	timeout    time.Duration
}

// NewServer serves st on the configured port. metrics may be nil.
func NewServer(st iStoreAPI, cfg config.ServerConfig, metrics http.Handler) *Server {
	port := cfg.Port
	if port == 0 {
		port = defaultHTTPPort
	}
	timeout := cfg.ReadHeaderTimeout
	if timeout == 0 {
		timeout = time.Second
	}
	return &Server{
		store:   st,
		metrics: metrics,
		URL:     fmt.Sprintf("http://localhost:%d", port),
		addr:    fmt.Sprintf(":%d", port),
		timeout: timeout,
	}
}

// Start starts the server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.timeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Put("/string", s.handlePut)
		r.Get("/string", s.handleGet)
		r.Delete("/string", s.handleDelete)
		r.Get("/history", s.handleHistory)

		r.Get("/branches", s.handleBranches)
		r.Post("/branches", s.handleCreateBranch)
		r.Delete("/branches/{name}", s.handleDropBranch)
		r.Post("/branches/{name}/rollover", s.handleRollover)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeError maps error kinds to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch dberrors.KindOf(err) {
	case dberrors.KindNotFound:
		status = http.StatusNotFound
	case dberrors.KindInvalidArgument, dberrors.KindTransactionClosed:
		status = http.StatusBadRequest
	case dberrors.KindCommitConflict, dberrors.KindBlindOverwrite:
		status = http.StatusConflict
	case dberrors.KindClosed:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

// target is the branch, keyspace and key a request addresses.
type target struct {
	branch   string
	keyspace string
	key      string
}

func targetOf(r *http.Request) target {
	t := target{
		branch:   r.FormValue("branch"),
		keyspace: r.FormValue("keyspace"),
		key:      r.FormValue("key"),
	}
	if t.branch == "" {
		t.branch = types.MasterBranch
	}
	return t
}

// readTx opens a read transaction at the optional timestamp parameter.
func (s *Server) readTx(r *http.Request, branch string) (*store.Tx, error) {
	raw := r.URL.Query().Get("timestamp")
	if raw == "" {
		return s.store.Tx(branch)
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, dberrors.Newf(dberrors.KindInvalidArgument, "parse timestamp", "bad timestamp %q", raw)
	}
	return s.store.TxAt(branch, ts)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}
	t := targetOf(r)
	value := r.FormValue("value")
	if t.key == "" || value == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}
	s.commit(w, t, func(tx *store.Tx) error { return tx.Put(t.keyspace, t.key, value) })
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	t := targetOf(r)
	if t.key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}
	s.commit(w, t, func(tx *store.Tx) error { return tx.Remove(t.keyspace, t.key) })
}

func (s *Server) commit(w http.ResponseWriter, t target, write func(*store.Tx) error) {
	tx, err := s.store.Tx(t.branch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := write(tx); err != nil {
		_ = tx.Rollback()
		s.writeError(w, err)
		return
	}
	ts, err := tx.Commit(nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewCommitResponse(ts))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t := targetOf(r)
	if t.key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}
	tx, err := s.readTx(r, t.branch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer tx.Rollback()

	value, found, err := tx.Get(t.keyspace, t.key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}
	ranged, err := tx.RangedGet(t.keyspace, t.key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(fmt.Sprint(value), ranged.Period))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	t := targetOf(r)
	if t.key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}
	tx, err := s.readTx(r, t.branch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer tx.Rollback()

	history, err := tx.History(t.keyspace, t.key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewHistoryResponse(history))
}

func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	names := s.store.Branches()
	out := make([]BranchInfo, 0, len(names))
	for _, name := range names {
		now, err := s.store.Now(name)
		if err != nil {
			// dropped while listing
			continue
		}
		out = append(out, BranchInfo{Name: name, Now: now})
	}
	s.writeJSON(w, http.StatusOK, NewBranchesResponse(out))
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}
	name := r.FormValue("name")
	parent := r.FormValue("parent")
	if parent == "" {
		parent = types.MasterBranch
	}
	at := int64(-1)
	if raw := r.FormValue("timestamp"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Bad timestamp"))
			return
		}
		at = ts
	}
	if err := s.store.CreateBranch(parent, name, at); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewSuccessResponse())
}

func (s *Server) handleDropBranch(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DropBranch(chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleRollover(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Rollover(chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
