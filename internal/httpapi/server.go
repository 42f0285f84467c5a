package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/config"
)

// Routable registers endpoints on a mux. The search, spaces, and health
// probe handlers all satisfy it.
type Routable interface {
	RegisterRoutes(mux *http.ServeMux)
}

// NewServer assembles the service mux from every handler's routes plus the
// Prometheus scrape endpoint, applying the configured timeouts.
func NewServer(settings config.ServiceSettings, handlers ...Routable) *http.Server {
	mux := http.NewServeMux()
	for _, h := range handlers {
		h.RegisterRoutes(mux)
	}
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", settings.Port),
		Handler:      mux,
		ReadTimeout:  settings.ReadTimeout,
		WriteTimeout: settings.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

// Start serves on its own goroutine so startup can continue; a closed server
// is the expected shutdown path, anything else is logged.
func Start(srv *http.Server, logger *zap.Logger) {
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
}
