package handlers

import (
	"net/http"

	"github.com/dropDatabas3/featgate/internal/http/helpers"
)

// ClusterStatus expone la vista de diagnóstico del cluster.
// GET /v1/cluster/status
func (h *Handlers) ClusterStatus(w http.ResponseWriter, r *http.Request) {
	helpers.WriteJSON(w, http.StatusOK, h.ctrl.Status())
}

// Healthz: el proceso está vivo.
// GET /healthz
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	helpers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz: el proceso puede servir lecturas. Un cache out-of-sync no está
// ready: sus respuestas serían arbitrariamente viejas.
// GET /readyz
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	st := h.ctrl.Status()
	if st.OutOfSync {
		helpers.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":        "out_of_sync",
			"leaderId":      st.LeaderID,
			"appliedOffset": st.AppliedOffset,
		})
		return
	}
	helpers.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"leaderId":      st.LeaderID,
		"appliedOffset": st.AppliedOffset,
	})
}
