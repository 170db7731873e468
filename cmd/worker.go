package cmd

import (
	"context"
	"errors"
	"net/http"
	"path"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zeu5/dist-rl-driving/analysis"
	"github.com/zeu5/dist-rl-driving/broker"
	"github.com/zeu5/dist-rl-driving/policies"
	"github.com/zeu5/dist-rl-driving/rpc"
	"github.com/zeu5/dist-rl-driving/sim"
	"github.com/zeu5/dist-rl-driving/worker"
)

func WorkerCommand() *cobra.Command {
	var id, listen string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Play rollouts for a coordinator against a leased simulator",
		Run: func(cmd *cobra.Command, args []string) {
			if err := cfg.RequireCredential(); err != nil {
				logrus.Fatal(err)
			}
			if id == "" {
				id = cfg.Worker.ID
			}
			if id == "" {
				logrus.Fatal("worker id is required")
			}
			if listen == "" {
				listen = cfg.Worker.Listen
			}
			ctx, stop := signalContext()
			defer stop()

			logger := logrus.WithField("worker", id)
			serveMetrics(ctx, metricsAddr, newRegistry())

			client := broker.NewClient(cfg.Broker.Client(), logger)
			supervisor := broker.NewSupervisor(client, cfg.Broker.Lease(), logger)
			policy, err := policies.New(cfg.Policy)
			if err != nil {
				logrus.Fatalf("creating policy: %s", err)
			}
			w, err := worker.New(cfg.WorkerConfig(id), supervisor, sim.NewEnvConstructor(cfg.Sim.Env), policy, logger)
			if err != nil {
				logrus.Fatal(err)
			}

			savePath := path.Join(cfg.SavePath, id)
			if cfg.Worker.DumpErrors {
				dumper, err := analysis.NewErrorDumper(savePath, logger)
				if err != nil {
					logrus.Fatalf("creating error dumper: %s", err)
				}
				w.AddAnalyzer(dumper)
			}
			if cfg.Worker.TraceFrom >= 0 {
				tracer, err := analysis.NewTraceDumper(savePath, cfg.Worker.TraceFrom, logger)
				if err != nil {
					logrus.Fatalf("creating trace dumper: %s", err)
				}
				w.AddAnalyzer(tracer)
			}

			if err := w.Start(ctx); err != nil {
				logrus.Fatalf("leasing simulator: %s", err)
			}

			server := rpc.NewServer(rpc.ServerConfig{Token: cfg.RPC.Token}, w, logger)
			srv := &http.Server{
				Addr:              listen,
				Handler:           server.Mux(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				w.BeginShutdown()
				server.Close()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.WithField("addr", listen).Info("worker listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("worker server stopped")
			}

			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ReleaseTimeout)
			defer cancel()
			if err := w.Close(closeCtx, worker.ErrShuttingDown); err != nil {
				logger.WithError(err).Warn("killing simulator")
			}
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Worker id, overrides worker.id")
	cmd.Flags().StringVar(&listen, "listen", "", "Address to accept the coordinator on, overrides worker.listen")
	return cmd
}
