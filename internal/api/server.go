package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Running is a started listener. Err receives a listen failure, if any, and
// Done is closed once the server has shut down.
type Running struct {
	Server *http.Server
	Err    <-chan error
	Done   <-chan struct{}
}

// Serve runs handler on addr until ctx is cancelled, then shuts it down
// within shutdownTimeout.
func Serve(ctx context.Context, name, addr string, handler http.Handler, readTimeout, writeTimeout, shutdownTimeout time.Duration, logger *slog.Logger) *Running {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
	}
	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			logger.Error("graceful shutdown failed", "server", name, "err", err)
		}
	}()
	go func() {
		logger.Info("listening", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "server", name, "err", err)
			errCh <- err
		}
	}()
	return &Running{Server: srv, Err: errCh, Done: done}
}
