package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/opentrusty/tenantsession/internal/config"
	"github.com/opentrusty/tenantsession/internal/observability/logger"
)

// Serve runs the gateway until ctx is cancelled, then shuts down gracefully
func Serve(ctx context.Context, cfg config.GatewayConfig, provider Provider, l *slog.Logger) error {
	rateLimiter := NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst)
	defer rateLimiter.Stop()

	handler := NewHandler(provider, l)
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      NewRouter(handler, rateLimiter, cfg.WriteTimeout),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		handler.logger.Info("starting gateway", logger.Operation("listen"), logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	handler.logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
