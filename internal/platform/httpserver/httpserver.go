package httpserver

import (
	"net/http"
	"time"

	"lendflow/internal/platform/config"
)

// New builds the HTTP server from the server config. Zero timeouts fall back
// to conservative defaults.
func New(cfg config.Server, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       orDefault(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout:      orDefault(cfg.WriteTimeout, 45*time.Second),
		IdleTimeout:       orDefault(cfg.IdleTimeout, 2*time.Minute),
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
