package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thefrisbee/frisbee/internal/api"
	"github.com/thefrisbee/frisbee/internal/log"
)

const (
	shutdownTimeout = 30 * time.Second
	// finished jobs are forgotten after retention
	retention     = 24 * time.Hour
	pruneInterval = time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the job engine with its HTTP API",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("frisbee",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	e, err := newEngine(ctx, config)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.registry.Run(gctx, config.Devices.Refresh, e.watchers...)
	})
	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := e.sched.Prune(retention); n > 0 {
					slog.DebugContext(gctx, "pruned finished jobs", "count", n)
				}
			}
		}
	})

	if config.API.Enabled {
		srv := &http.Server{
			Addr:              config.API.Listen,
			Handler:           api.NewRouter(e.sched, e.registry),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			slog.InfoContext(gctx, "api listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	slog.InfoContext(ctx, "shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(err, e.Close(sctx))
}
