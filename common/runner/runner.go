// Package runner runs the long-lived parts of a service process (HTTP server,
// outbox relay, consumers, heartbeat) as one errgroup. The first failure cancels
// the rest; SIGINT or SIGTERM shuts everything down gracefully.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/backbone/common/logging"
)

// Task is one long-running component. It must return when ctx is cancelled.
type Task func(ctx context.Context) error

// Group is an errgroup with logging and named tasks.
type Group struct {
	eg     *errgroup.Group
	ctx    context.Context
	logger *logging.Logger
}

// New creates a Group bound to parent. The returned context is cancelled when any
// task fails or parent is done.
func New(parent context.Context, logger *logging.Logger) (*Group, context.Context) {
	if logger == nil {
		logger = logging.Default()
	}
	eg, ctx := errgroup.WithContext(parent)
	return &Group{eg: eg, ctx: ctx, logger: logger}, ctx
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Go starts task under name.
func (g *Group) Go(name string, task Task) {
	g.eg.Go(func() error {
		g.logger.Debug("task started", slog.String("task", name))
		err := task(g.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("task failed", slog.String("task", name), logging.Error(err))
			return fmt.Errorf("%s: %w", name, err)
		}
		g.logger.Debug("task stopped", slog.String("task", name))
		return nil
	})
}

// Serve runs srv until the group's context is done, then shuts it down within
// shutdownTimeout.
func (g *Group) Serve(srv *http.Server, shutdownTimeout time.Duration) {
	g.serve("http", srv, srv.ListenAndServe, shutdownTimeout)
}

// ServeListener is Serve on an already bound listener.
func (g *Group) ServeListener(name string, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration) {
	g.serve(name, srv, func() error { return srv.Serve(ln) }, shutdownTimeout)
}

func (g *Group) serve(name string, srv *http.Server, listen func() error, shutdownTimeout time.Duration) {
	g.Go(name, func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			g.logger.Info("HTTP server listening", slog.String("addr", srv.Addr), slog.String("server", name))
			if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err, ok := <-errCh:
			if ok {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		g.logger.Info("Shutting down server", slog.String("server", name))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
}

// Wait blocks until every task returned and reports the first failure.
func (g *Group) Wait() error {
	return g.eg.Wait()
}
