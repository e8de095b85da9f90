package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/featgate/internal/http/helpers"
	"github.com/dropDatabas3/featgate/internal/observability/logger"
)

// maxWait acota el parámetro timeout de las lecturas con espera.
const maxWait = 60 * time.Second

// ListFeatures retorna el mapa feature -> versión finalizada según el cache
// local. Con ?min_offset=N espera (read-your-writes) hasta que el cache haya
// aplicado al menos ese offset; ?timeout= acota la espera.
// GET /v1/features
func (h *Handlers) ListFeatures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Op("ListFeatures"))

	if s := r.URL.Query().Get("min_offset"); s != "" {
		minOffset, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			helpers.WriteError(w, http.StatusBadRequest, "invalid_request", "min_offset inválido")
			return
		}
		wait := 5 * time.Second
		if t := r.URL.Query().Get("timeout"); t != "" {
			d, err := time.ParseDuration(t)
			if err != nil || d <= 0 || d > maxWait {
				helpers.WriteError(w, http.StatusBadRequest, "invalid_request", "timeout inválido")
				return
			}
			wait = d
		}
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		err = h.ctrl.WaitUntil(waitCtx, minOffset)
		cancel()
		if err != nil {
			h.writeDriverError(w, r, log, err)
			return
		}
	}

	st := h.ctrl.Status()
	helpers.WriteJSON(w, http.StatusOK, map[string]any{
		"features":      h.ctrl.CurrentDecisions(),
		"appliedOffset": st.AppliedOffset,
	})
}

// GetFeature retorna la decisión vigente de una feature.
// GET /v1/features/{name}
func (h *Handlers) GetFeature(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, ok := h.ctrl.Decision(name)
	if !ok {
		helpers.WriteError(w, http.StatusNotFound, "not_found", "sin decisión para la feature")
		return
	}
	helpers.WriteJSON(w, http.StatusOK, d)
}

// Recompute fuerza una re-evaluación de la feature en el leader.
// POST /v1/features/{name}/recompute
func (h *Handlers) Recompute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	log := logger.From(ctx).With(logger.Op("Recompute"), logger.Feature(name))

	out, err := h.ctrl.RequestRecompute(ctx, name)
	if err != nil {
		h.writeDriverError(w, r, log, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, out)
}

// Downgrade propone un downgrade explícito de la feature.
// POST /v1/features/{name}/downgrade  body: {"version": N}
func (h *Handlers) Downgrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	log := logger.From(ctx).With(logger.Op("Downgrade"), logger.Feature(name))

	var req struct {
		Version uint64 `json:"version"`
	}
	if !helpers.ReadJSON(w, r, &req) {
		return
	}

	out, err := h.ctrl.RequestDowngrade(ctx, name, req.Version)
	if err != nil {
		h.writeDriverError(w, r, log, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, out)
}
