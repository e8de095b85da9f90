package middlewares

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dropDatabas3/featgate/internal/observability/logger"
	"github.com/dropDatabas3/featgate/internal/security/apikey"
)

// WithAdminKey protege el write path con una API key administrativa.
// La key viaja en X-Admin-Key (o Authorization: Bearer) y se verifica contra
// el hash argon2id configurado. Hash vacío = protección deshabilitada
// (deploys de desarrollo).
func WithAdminKey(phcHash string) Middleware {
	return func(next http.Handler) http.Handler {
		if strings.TrimSpace(phcHash) == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
				}
			}
			if key == "" || !apikey.Verify(key, phcHash) {
				logger.From(r.Context()).Warn("admin key rejected", logger.Path(r.URL.Path))
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
