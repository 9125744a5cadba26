package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/isragogreen/chorus/internal/storage"
)

const maxBodySize = 1 << 20 // 1MB

// Enqueuer appends entries to the durable queue.
type Enqueuer interface {
	Enqueue(userID, role string, direction storage.Direction, payload string) (string, error)
	Depth() (int, error)
}

// Pauser controls the processing gate.
type Pauser interface {
	Pause()
	Resume()
	Paused() bool
}

// AppDeps holds dependencies for the observability and control API.
type AppDeps struct {
	Store    *storage.Store
	Queue    Enqueuer
	Pauser   Pauser
	LogLevel *slog.LevelVar
	Token    string
}

// NewAppHandler builds the HTTP API router.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth())

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/messages", handlePostMessage(deps))
		r.Get("/messages/recent", handleRecentMessages(deps))
		r.Get("/queue/depth", handleQueueDepth(deps))
		r.Get("/users/{id}/model", handleAssignedModel(deps))
		r.Get("/users/{id}/scores", handleUserScores(deps))

		r.Get("/docs/{repo}/state", handleDocState(deps))

		r.Get("/blacklist", handleListBlacklist(deps))
		r.Put("/blacklist/{id}", handleAddBlacklist(deps))
		r.Delete("/blacklist/{id}", handleRemoveBlacklist(deps))

		r.Get("/engine/status", handleEngineStatus(deps))
		r.Post("/engine/pause", handlePause(deps))
		r.Post("/engine/resume", handleResume(deps))

		r.Get("/log/level", handleGetLogLevel(deps))
		r.Put("/log/level", handleSetLogLevel(deps))
	})

	return r
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// PostMessageRequest is an inbound message handed to the engine.
type PostMessageRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Text   string `json:"text"`
}

func handlePostMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req PostMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" || req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id and text are required")
			return
		}

		id, err := deps.Queue.Enqueue(req.UserID, req.Role, storage.DirectionIn, req.Text)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enqueuing message: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"entry_id": id})
	}
}

func handleRecentMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
				limit = n
			}
		}

		records, err := deps.Store.RecentMessages(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading messages: %v", err)
			return
		}

		type message struct {
			ID        string `json:"id"`
			UserID    string `json:"user_id"`
			Role      string `json:"role,omitempty"`
			Direction string `json:"direction"`
			Text      string `json:"text"`
			Timestamp string `json:"timestamp"`
		}
		out := make([]message, len(records))
		for i, rec := range records {
			out[i] = message{
				ID:        rec.ID,
				UserID:    rec.UserID,
				Role:      rec.Role,
				Direction: string(rec.Direction),
				Text:      rec.Text,
				Timestamp: rec.Timestamp.Format(time.RFC3339Nano),
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleQueueDepth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		depth, err := deps.Queue.Depth()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading queue depth: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"depth": depth})
	}
}

func handleAssignedModel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")
		a, err := deps.Store.GetAssignment(userID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "no model assigned to user %s", userID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading assignment: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":     a.UserID,
			"model_id":    a.ModelID,
			"assigned_at": a.AssignedAt.Format(time.RFC3339),
			"iterations":  a.IterationsSinceRefresh,
		})
	}
}

func handleUserScores(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")
		scores, err := deps.Store.TopScores(userID, 50, false)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading scores: %v", err)
			return
		}

		type score struct {
			ModelID    string  `json:"model_id"`
			Score      float64 `json:"score"`
			TrialCount int     `json:"trial_count"`
		}
		out := make([]score, len(scores))
		for i, s := range scores {
			out[i] = score{ModelID: s.ModelID, Score: s.Score, TrialCount: s.TrialCount}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleDocState(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo := chi.URLParam(r, "repo")
		d, err := deps.Store.GetDocState(repo)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "no sync state for repo %s", repo)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading doc state: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"repo":        d.Repo,
			"sync_commit": d.SyncCommit,
			"chunk_count": d.ChunkCount,
			"updated_at":  d.UpdatedAt.Format(time.RFC3339),
		})
	}
}

func handleListBlacklist(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Store.ListBlacklist()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading blacklist: %v", err)
			return
		}

		type entry struct {
			UserID    string `json:"user_id"`
			Reason    string `json:"reason,omitempty"`
			CreatedAt string `json:"created_at"`
		}
		out := make([]entry, len(entries))
		for i, e := range entries {
			out[i] = entry{UserID: e.UserID, Reason: e.Reason, CreatedAt: e.CreatedAt.Format(time.RFC3339)}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleAddBlacklist(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")
		reason := r.URL.Query().Get("reason")
		if err := deps.Store.AddToBlacklist(userID, reason, time.Now().UTC()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "adding to blacklist: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRemoveBlacklist(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")
		if err := deps.Store.RemoveFromBlacklist(userID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "removing from blacklist: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleEngineStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"paused": deps.Pauser.Paused()})
	}
}

func handlePause(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Pauser.Pause()
		writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
	}
}

func handleResume(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Pauser.Resume()
		writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
	}
}

func handleGetLogLevel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"level": deps.LogLevel.Level().String()})
	}
}

// SetLogLevelRequest changes the process log level at runtime.
type SetLogLevelRequest struct {
	Level string `json:"level"`
}

func handleSetLogLevel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req SetLogLevelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		var level slog.Level
		if err := level.UnmarshalText([]byte(req.Level)); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown log level %q", req.Level)
			return
		}

		deps.LogLevel.Set(level)
		writeJSON(w, http.StatusOK, map[string]string{"level": level.String()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
