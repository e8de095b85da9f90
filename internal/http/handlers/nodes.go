package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/featgate/internal/controller"
	"github.com/dropDatabas3/featgate/internal/feature"
	"github.com/dropDatabas3/featgate/internal/http/helpers"
	"github.com/dropDatabas3/featgate/internal/observability/logger"
)

// RegisterNode registra (o re-registra) un nodo del cluster.
// POST /v1/nodes
func (h *Handlers) RegisterNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Op("RegisterNode"))

	var req controller.RegisterRequest
	if !helpers.ReadJSON(w, r, &req) {
		return
	}

	res, err := h.ctrl.RegisterNode(ctx, req)
	if err != nil {
		h.writeDriverError(w, r, log, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, res)
}

// DeregisterNode da de baja un nodo en forma explícita.
// DELETE /v1/nodes/{id}?epoch=N
func (h *Handlers) DeregisterNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Op("DeregisterNode"))

	nodeID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		helpers.WriteError(w, http.StatusBadRequest, "invalid_request", "node id inválido")
		return
	}
	var epoch uint64
	if s := r.URL.Query().Get("epoch"); s != "" {
		if epoch, err = strconv.ParseUint(s, 10, 64); err != nil {
			helpers.WriteError(w, http.StatusBadRequest, "invalid_request", "epoch inválido")
			return
		}
	}

	offset, err := h.ctrl.DeregisterNode(ctx, nodeID, epoch)
	if err != nil {
		h.writeDriverError(w, r, log, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, map[string]uint64{"offset": offset})
}

// Heartbeat renueva el lease de liveness de un nodo registrado.
// POST /v1/nodes/{id}/heartbeat
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		helpers.WriteError(w, http.StatusBadRequest, "invalid_request", "node id inválido")
		return
	}
	if !h.ctrl.Heartbeat(nodeID) {
		helpers.WriteError(w, http.StatusNotFound, "no_lease", "el nodo no tiene lease activo en este proceso")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListNodes retorna la vista local de nodos registrados.
// GET /v1/nodes
func (h *Handlers) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.ctrl.Nodes()
	type nodeView struct {
		NodeID    uint64                          `json:"nodeId"`
		Epoch     uint64                          `json:"nodeEpoch"`
		Features  map[string]feature.VersionRange `json:"features"`
		Endpoints map[string]string               `json:"endpoints,omitempty"`
	}
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeView{
			NodeID:    n.NodeID,
			Epoch:     n.Epoch,
			Features:  n.Features,
			Endpoints: n.Endpoints,
		})
	}
	helpers.WriteJSON(w, http.StatusOK, map[string]any{"nodes": out})
}
