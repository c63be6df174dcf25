package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"argus/internal/api"
)

// handleHTTPServer starts the API server on addr and shuts it down when
// ctx is done. Listen errors are sent to errc.
func handleHTTPServer(ctx context.Context, addr string, server *api.Server, wg *sync.WaitGroup, errc chan error, logger *zap.SugaredLogger) {
	for _, route := range server.Routes() {
		logger.Debugw("HTTP route mounted", "route", route)
	}

	srv := &http.Server{Addr: addr, Handler: server, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Infow("HTTP server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Infow("shutting down HTTP server", "addr", addr)

		// Streaming clients never finish on their own
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Warnw("failed to shutdown", "error", err)
			srv.Close()
		}
	}()
}
