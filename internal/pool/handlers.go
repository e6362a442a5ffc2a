package pool

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/meshpath/meshpath-relay/internal/apperr"
)

// Handlers exposes the pool over HTTP. The replicator is optional; when
// set, locally stored messages (not deduplicated ones) fan out to peers.
type Handlers struct {
	store      *Store
	replicator *Replicator
	log        *slog.Logger
}

func NewHandlers(store *Store, replicator *Replicator, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{store: store, replicator: replicator, log: log.With("component", "pool-http")}
}

// RegisterRoutes attaches the pool endpoints to mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /pool/message", h.handleSubmit)
	mux.HandleFunc("GET /pool/list", h.handleList)
	mux.HandleFunc("DELETE /pool/message/{id}", h.handleDelete)
}

type submitRequest struct {
	ID        string `json:"id"`
	Data      string `json:"data"`
	Signature string `json:"signature,omitempty"`
}

type submitResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Dedup   bool   `json:"dedup,omitempty"`
}

func (h *Handlers) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2<<20)).Decode(&req); err != nil {
		h.writeError(w, apperr.Validation("invalid JSON body"))
		return
	}
	dedup, err := h.store.Store(Message{ID: req.ID, Data: req.Data, Signature: req.Signature})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !dedup && h.replicator != nil {
		h.replicator.Replicate(Message{ID: req.ID, Data: req.Data, Signature: req.Signature})
	}
	h.writeJSON(w, http.StatusOK, submitResponse{Success: true, ID: req.ID, Dedup: dedup})
}

type listResponse struct {
	Messages []Message `json:"messages"`
}

func (h *Handlers) handleList(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.store.List()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	h.writeJSON(w, http.StatusOK, listResponse{Messages: msgs})
}

func (h *Handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("response write failed", "err", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		h.log.Error("pool request failed", "err", err)
	}
	h.writeJSON(w, status, map[string]any{
		"success": false,
		"error":   err.Error(),
		"code":    string(apperr.CodeOf(err)),
	})
}
