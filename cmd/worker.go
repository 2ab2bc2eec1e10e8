package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/tasks"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker for matrix builds and population aggregation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		if !cfg.Temporal.Enabled {
			return eris.New("worker: temporal is disabled (set temporal.enabled)")
		}

		c, err := tasks.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		acts, err := env.Activities()
		if err != nil {
			return err
		}
		w := tasks.NewWorker(c, cfg.Temporal.TaskQueue, acts)
		if err := w.Start(); err != nil {
			return eris.Wrap(err, "worker: start")
		}
		zap.L().Info("worker started", zap.String("task_queue", cfg.Temporal.TaskQueue))

		<-ctx.Done()
		zap.L().Info("stopping worker")
		w.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
