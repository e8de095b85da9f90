package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/featgate/internal/http/helpers"
	"github.com/dropDatabas3/featgate/internal/observability/logger"
)

// ListVoters lista la configuración raft vigente.
// GET /v1/cluster/voters
func (h *Handlers) ListVoters(w http.ResponseWriter, r *http.Request) {
	if h.members == nil {
		helpers.WriteError(w, http.StatusServiceUnavailable, "no_cluster", "este proceso corre sin cluster embebido")
		return
	}
	voters, err := h.members.Voters(r.Context())
	if err != nil {
		h.writeDriverError(w, r, logger.From(r.Context()), err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, map[string]any{"voters": voters})
}

// AddVoter agrega (o re-agrega con nueva dirección) un votante raft.
// POST /v1/cluster/voters  body: {"id":"b","addr":"10.0.0.2:7001"}
func (h *Handlers) AddVoter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Op("AddVoter"))
	if h.members == nil {
		helpers.WriteError(w, http.StatusServiceUnavailable, "no_cluster", "este proceso corre sin cluster embebido")
		return
	}

	var req struct {
		ID   string `json:"id"`
		Addr string `json:"addr"`
	}
	if !helpers.ReadJSON(w, r, &req) {
		return
	}
	if req.ID == "" || req.Addr == "" {
		helpers.WriteError(w, http.StatusBadRequest, "invalid_request", "id y addr son requeridos")
		return
	}

	if err := h.members.AddVoter(ctx, req.ID, req.Addr); err != nil {
		h.writeDriverError(w, r, log, err)
		return
	}
	log.Info("voter added", logger.RaftID(req.ID), logger.String("addr", req.Addr))
	w.WriteHeader(http.StatusNoContent)
}

// RemoveVoter remueve un server de la configuración raft.
// DELETE /v1/cluster/voters/{id}
func (h *Handlers) RemoveVoter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Op("RemoveVoter"))
	if h.members == nil {
		helpers.WriteError(w, http.StatusServiceUnavailable, "no_cluster", "este proceso corre sin cluster embebido")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		helpers.WriteError(w, http.StatusBadRequest, "invalid_request", "id requerido")
		return
	}
	if err := h.members.RemoveServer(ctx, id); err != nil {
		h.writeDriverError(w, r, log, err)
		return
	}
	log.Info("voter removed", logger.RaftID(id))
	w.WriteHeader(http.StatusNoContent)
}
