package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/api"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/metrics"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/tasks"
)

var servePort int

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  "Serves indicator computation and starts matrix builds and population aggregation in the background, on Temporal if enabled and in-process otherwise.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		var runner tasks.Runner
		var local *tasks.LocalRunner
		if cfg.Temporal.Enabled {
			c, err := tasks.Dial(cfg.Temporal)
			if err != nil {
				return err
			}
			defer c.Close()
			runner = tasks.NewStarter(c, cfg.Temporal.TaskQueue, cfg.Temporal.ActivityTimeout(), env.Tasks)
		} else {
			acts, err := env.Activities()
			if err != nil {
				return err
			}
			local = tasks.NewLocalRunner(acts, env.Locker, env.Tasks)
			runner = local
		}

		srv := api.NewServer(env.Engine(), runner, api.NewMatrixStore(env.Pool, env.Locker), env.Tasks, metrics.Handler(env.Registry))

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srv.Routes(cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port), zap.Bool("temporal", cfg.Temporal.Enabled))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		if env.Bridge != nil {
			g.Go(func() error {
				return env.Bridge.Run(gctx)
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		})

		err = g.Wait()
		if local != nil {
			zap.L().Info("waiting for running tasks")
			local.Wait()
		}
		return err
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
