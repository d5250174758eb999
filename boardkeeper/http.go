package boardkeeper

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/boardkeeper/assist"
	"github.com/hazyhaar/boardkeeper/auth"
	"github.com/hazyhaar/boardkeeper/board"
	"github.com/hazyhaar/boardkeeper/dbopen"
	"github.com/hazyhaar/boardkeeper/embedding"
	"github.com/hazyhaar/boardkeeper/kit"
	"github.com/hazyhaar/boardkeeper/outbox"
	"github.com/hazyhaar/boardkeeper/shield"
)

// Handler returns the complete HTTP surface: health, metrics, the JSON API
// and the MCP endpoint.
func (k *Keeper) Handler() http.Handler {
	r := chi.NewRouter()
	httpCfg := k.cfg.HTTP
	httpCfg.Logger = k.logger
	httpCfg.Exclude = append(httpCfg.Exclude, "/health", "/metrics")
	for _, mw := range shield.APIStack(httpCfg) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(k.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if key := k.cfg.Auth.Key(); key != nil {
			r.Use(auth.Middleware(key))
		} else {
			r.Use(auth.Static(DefaultOwner))
		}
		r.Use(auth.RequireUser)
		k.RegisterRoutes(r)
		r.Handle("/mcp", k.MCPHandler())
	})
	return r
}

// RegisterRoutes mounts the JSON API on r. Requests must carry auth claims.
func (k *Keeper) RegisterRoutes(r chi.Router) {
	r.Route("/api/boards", func(r chi.Router) {
		r.Get("/", k.handleListBoards)
		r.Post("/", k.handleCreateBoard)
		r.Get("/{boardID}", k.handleGetBoard)
		r.Put("/{boardID}", k.handleSaveBoard)
		r.Delete("/{boardID}", k.handleDeleteBoard)
		r.Post("/{boardID}/sessions", k.handleOpenSession)
		r.Post("/{boardID}/ask", k.handleAsk)
	})
	r.With(sessionContext).Post("/api/sessions/{sessionID}/changes", k.handlePushChange)
	r.With(sessionContext).Delete("/api/sessions/{sessionID}", k.handleCloseSession)
	r.Get("/api/search", k.handleSearch)
	r.Get("/api/stats", k.handleStats)
}

func owner(r *http.Request) string { return kit.GetUserID(r.Context()) }

func (k *Keeper) handleListBoards(w http.ResponseWriter, r *http.Request) {
	boards, err := k.ListBoards(r.Context(), owner(r), queryInt(r, "limit", 100))
	if err != nil {
		k.writeErr(w, r, err)
		return
	}
	if boards == nil {
		boards = []*board.Board{}
	}
	writeJSON(w, http.StatusOK, boards)
}

func (k *Keeper) handleCreateBoard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	b, err := k.CreateBoard(r.Context(), owner(r), req.Title)
	if err != nil {
		k.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (k *Keeper) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	b, err := k.GetBoard(r.Context(), owner(r), chi.URLParam(r, "boardID"))
	if err != nil {
		k.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleSaveBoard stores a snapshot directly, creating the board if needed.
func (k *Keeper) handleSaveBoard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Snapshot json.RawMessage `json:"snapshot"`
		TakenAt  time.Time       `json:"taken_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := k.SaveBoard(r.Context(), board.SaveRequest{
		BoardID:  chi.URLParam(r, "boardID"),
		OwnerID:  owner(r),
		Snapshot: board.Snapshot{Data: req.Snapshot, TakenAt: req.TakenAt},
	})
	if err != nil {
		k.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (k *Keeper) handleDeleteBoard(w http.ResponseWriter, r *http.Request) {
	if err := k.DeleteBoard(r.Context(), owner(r), chi.URLParam(r, "boardID")); err != nil {
		k.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (k *Keeper) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	s, err := k.OpenSession(r.Context(), owner(r), chi.URLParam(r, "boardID"))
	if err != nil {
		k.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

type changeRequest struct {
	Origin   board.Origin    `json:"origin"`
	Scope    board.Scope     `json:"scope"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

func (k *Keeper) handlePushChange(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	armed, err := k.PushChange(owner(r), chi.URLParam(r, "sessionID"),
		board.ChangeEvent{Origin: req.Origin, Scope: req.Scope}, req.Snapshot)
	if err != nil {
		k.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"armed": armed})
}

// handleCloseSession answers 202 when the final save was queued for
// redelivery instead of applied.
func (k *Keeper) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	res, err := k.CloseSession(r.Context(), owner(r), chi.URLParam(r, "sessionID"))
	if errors.Is(err, outbox.ErrQueued) {
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "board_id": res.BoardID, "error": err.Error()})
		return
	}
	if err != nil {
		k.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (k *Keeper) handleSearch(w http.ResponseWriter, r *http.Request) {
	results, err := k.Search(r.Context(), owner(r), r.URL.Query().Get("q"), queryInt(r, "limit", 10))
	if err != nil {
		k.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (k *Keeper) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := k.Ask(r.Context(), owner(r), chi.URLParam(r, "boardID"), req.Question)
	if err != nil {
		k.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (k *Keeper) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := k.Stats(r.Context())
	if err != nil {
		k.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// writeErr maps service errors to HTTP statuses. Unknown errors are logged
// and reported as 500.
func (k *Keeper) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var open *embedding.ErrCircuitOpen
	switch {
	case errors.Is(err, board.ErrNotFound), errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, board.ErrInvalidSnapshot), errors.Is(err, board.ErrInvalidRequest), errors.Is(err, ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, board.ErrStaleSnapshot):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, assist.ErrDisabled), errors.As(err, &open):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, dbopen.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		log := shield.GetLogger(r.Context())
		if id := kit.GetSessionID(r.Context()); id != "" {
			log = log.With("session_id", id)
		}
		log.Error("boardkeeper: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

// sessionContext tags the request context with the session in the URL.
func sessionContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithSessionID(r.Context(), chi.URLParam(r, "sessionID"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
