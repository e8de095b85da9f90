package http

import (
	"context"
	"net/http"
	"time"
)

// NewServer arma el http.Server del servicio con timeouts sanos.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout generoso: las lecturas con min_offset pueden esperar
		// hasta maxWait antes de responder.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Shutdown apaga el server con un grace period.
func Shutdown(srv *http.Server, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(ctx)
}
