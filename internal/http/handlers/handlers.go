// Package handlers contiene los controllers HTTP del driver API.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dropDatabas3/featgate/internal/cluster"
	"github.com/dropDatabas3/featgate/internal/controller"
	"github.com/dropDatabas3/featgate/internal/feature"
	"github.com/dropDatabas3/featgate/internal/http/helpers"
	"github.com/dropDatabas3/featgate/internal/observability/logger"
	"go.uber.org/zap"
)

// Membership es el subset de cluster.Node que administra la configuración
// raft (join dinámico de nodos arrancados con disable_bootstrap).
type Membership interface {
	Voters(ctx context.Context) ([]cluster.Voter, error)
	AddVoter(ctx context.Context, id, addr string) error
	RemoveServer(ctx context.Context, id string) error
}

// Handlers agrupa los controllers sobre la fachada del controller.
// Redirects mapea raft nodeID -> base URL del HTTP de ese proceso, para
// redirigir writes al leader en vez de fallar con 503. Members puede ser nil
// (ej. tests sin raft embebido): los endpoints de membership responden 503.
type Handlers struct {
	ctrl      *controller.Controller
	redirects map[string]string
	members   Membership
}

func New(ctrl *controller.Controller, redirects map[string]string, members Membership) *Handlers {
	if redirects == nil {
		redirects = map[string]string{}
	}
	return &Handlers{ctrl: ctrl, redirects: redirects, members: members}
}

// writeDriverError mapea los errores del driver API a HTTP.
// not-leader intenta redirect 307 al leader conocido; el retry queda del lado
// del cliente, nunca se reintenta acá adentro.
func (h *Handlers) writeDriverError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, feature.ErrNotLeader):
		if loc := h.leaderLocation(r); loc != "" {
			log.Debug("redirecting to leader", logger.String("location", loc))
			w.Header().Set("Location", loc)
			w.WriteHeader(http.StatusTemporaryRedirect)
			return
		}
		w.Header().Set("Retry-After", "1")
		helpers.WriteError(w, http.StatusServiceUnavailable, "not_leader", "este nodo no es el leader y no conoce uno")
	case errors.Is(err, feature.ErrWaitTimeout):
		// "desconocido, no fallido": el append pudo haber commiteado igual
		helpers.WriteError(w, http.StatusGatewayTimeout, "wait_timeout", "timeout esperando el offset; el resultado es desconocido")
	case errors.Is(err, feature.ErrOutOfSync):
		helpers.WriteError(w, http.StatusServiceUnavailable, "out_of_sync", "cache local invalidado, esperando resync")
	case errors.Is(err, feature.ErrDowngradeRejected):
		helpers.WriteError(w, http.StatusConflict, "downgrade_rejected", "la versión destino queda fuera del rango de algún nodo registrado")
	case errors.Is(err, controller.ErrBadRange), errors.Is(err, controller.ErrBadNodeID):
		helpers.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		log.Error("driver operation failed", logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "operación fallida")
	}
}

// leaderLocation arma la URL del leader para el request actual ("" si el
// leader es desconocido o no hay redirect configurado para él).
func (h *Handlers) leaderLocation(r *http.Request) string {
	leader := h.ctrl.Status().LeaderID
	if leader == "" {
		return ""
	}
	base, ok := h.redirects[leader]
	if !ok || strings.TrimSpace(base) == "" {
		return ""
	}
	loc := strings.TrimRight(base, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		loc += "?" + r.URL.RawQuery
	}
	return loc
}
