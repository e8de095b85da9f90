package http

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropDatabas3/featgate/internal/http/handlers"
	"github.com/dropDatabas3/featgate/internal/http/middlewares"
)

// RouterOptions configura el router HTTP.
type RouterOptions struct {
	CORSAllowedOrigins []string
	// AdminKeyHash protege el write path. Vacío = sin protección.
	AdminKeyHash string
}

// NewRouter arma el router del driver API.
// Lecturas (features, status, health) son públicas; el write path (register,
// deregister, recompute, downgrade) va detrás de la admin key.
func NewRouter(h *handlers.Handlers, opts RouterOptions) stdhttp.Handler {
	r := chi.NewRouter()

	r.Use(middlewares.WithRequestID())
	r.Use(middlewares.WithLogging())
	if len(opts.CORSAllowedOrigins) > 0 {
		r.Use(middlewares.WithCORS(opts.CORSAllowedOrigins))
	}

	// Health y métricas
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Method(stdhttp.MethodGet, "/metrics", promhttp.Handler())

	// Read path
	r.Get("/v1/features", h.ListFeatures)
	r.Get("/v1/features/{name}", h.GetFeature)
	r.Get("/v1/nodes", h.ListNodes)
	r.Get("/v1/cluster/status", h.ClusterStatus)
	r.Get("/v1/cluster/voters", h.ListVoters)

	// Write path (admin)
	r.Group(func(r chi.Router) {
		r.Use(middlewares.WithAdminKey(opts.AdminKeyHash))
		r.Post("/v1/nodes", h.RegisterNode)
		r.Delete("/v1/nodes/{id}", h.DeregisterNode)
		r.Post("/v1/nodes/{id}/heartbeat", h.Heartbeat)
		r.Post("/v1/features/{name}/recompute", h.Recompute)
		r.Post("/v1/features/{name}/downgrade", h.Downgrade)
		r.Post("/v1/cluster/voters", h.AddVoter)
		r.Delete("/v1/cluster/voters/{id}", h.RemoveVoter)
	})

	return r
}
