package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-scorer/internal/api"
	"github.com/sells-group/lead-scorer/internal/jobs"
)

var (
	servePort     int
	serveNoWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job API server",
	Long: `Serves the scoring job API. Unless --no-worker is set (or
server.embedded_worker is false) the process also claims and runs queued
jobs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if serveNoWorker {
			cfg.Server.EmbeddedWorker = false
		}

		env, err := initEnv(ctx, "serve", true, cfg.Server.EmbeddedWorker)
		if err != nil {
			return err
		}
		defer env.Close()

		var worker *jobs.Worker
		if env.Orchestrator != nil {
			worker = jobs.NewWorker(env.Manager, cfg.Jobs.PollInterval(), cfg.Jobs.MaxParallelJobs)
			go func() {
				_ = worker.Run(ctx)
			}()
			zap.L().Info("embedded worker started", zap.String("owner", env.Manager.Owner()))
		}

		startMonitoring(ctx, env)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		if worker != nil {
			worker.Wait()
		}
		return nil
	},
}

// buildRouter mounts the job API over env's manager and store.
func buildRouter(env *appEnv) http.Handler {
	return api.NewRouter(api.NewHandler(env.Manager, env.Store), cfg.Server.CORSOrigins)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "serve the API without processing jobs")
	rootCmd.AddCommand(serveCmd)
}
