package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-scorer/internal/jobs"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Claim and process queued scoring jobs",
	Long: `Polls the job store for queued jobs, and for processing jobs whose
heartbeat has gone stale, and runs them. On SIGINT/SIGTERM in-flight leads
settle and unfinished jobs are left for another worker to reclaim.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker", true, true)
		if err != nil {
			return err
		}
		defer env.Close()

		startMonitoring(ctx, env)

		zap.L().Info("worker config",
			zap.Int("max_parallel_jobs", cfg.Jobs.MaxParallelJobs),
			zap.Int("max_concurrency", cfg.Orchestrator.MaxConcurrency),
			zap.Int("limiter_concurrency", cfg.Limiter.MaxConcurrency),
		)
		return jobs.NewWorker(env.Manager, cfg.Jobs.PollInterval(), cfg.Jobs.MaxParallelJobs).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
