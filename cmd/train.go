package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zeu5/dist-rl-driving/analysis"
	"github.com/zeu5/dist-rl-driving/checkpoint"
	"github.com/zeu5/dist-rl-driving/coordinator"
	"github.com/zeu5/dist-rl-driving/policies"
	"github.com/zeu5/dist-rl-driving/rpc"
	"github.com/zeu5/dist-rl-driving/util"
)

func TrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Coordinate training across the configured workers",
		Run: func(cmd *cobra.Command, args []string) {
			if len(cfg.RPC.Workers) == 0 {
				logrus.Fatal("no workers configured; set rpc.workers or --workers")
			}
			if err := cfg.Record(cfg.SavePath); err != nil {
				logrus.Fatalf("recording config: %s", err)
			}

			ctx, stop := signalContext()
			defer stop()

			logger := logrus.NewEntry(logrus.StandardLogger())
			reg := newRegistry()
			serveMetrics(ctx, metricsAddr, reg)

			policy, err := policies.New(cfg.Policy)
			if err != nil {
				logrus.Fatalf("creating policy: %s", err)
			}
			store, err := checkpoint.Open(ctx, cfg.Checkpoint)
			if err != nil {
				logrus.Fatalf("opening checkpoint store: %s", err)
			}
			defer store.Close()

			workers := make([]coordinator.Worker, len(cfg.RPC.Workers))
			ids := make([]string, len(cfg.RPC.Workers))
			for i, url := range cfg.RPC.Workers {
				ids[i] = fmt.Sprintf("worker-%d", i)
				workers[i] = rpc.NewWorkerClient(ids[i], cfg.RPCClient(url), logger)
			}

			recorder := analysis.NewScoreRecorder(cfg.SavePath)
			observers := []coordinator.Observer{recorder}
			if util.IsTerminal(os.Stdout) {
				progress := analysis.NewProgress(os.Stdout, ids, cfg.Training.Iterations, 500*time.Millisecond)
				progress.Start(ctx)
				defer progress.Stop()
				observers = append(observers, progress)
			}

			master, err := coordinator.New(cfg.Coordinator(), policy, workers, store,
				coordinator.WithLogger(logger),
				coordinator.WithMetrics(coordinator.NewMetrics(reg)),
				coordinator.WithObservers(observers...),
			)
			if err != nil {
				logrus.Fatalf("creating coordinator: %s", err)
			}

			runErr := master.Run(ctx)
			if err := master.Close(); err != nil {
				logger.WithError(err).Error("closing coordinator")
			}
			if err := recorder.Save(); err != nil {
				logger.WithError(err).Error("saving scores")
			}
			switch {
			case runErr == nil:
				logger.WithField("version", master.Version()).Info("training finished")
			case errors.Is(runErr, coordinator.ErrNoWorkers):
				logrus.Fatalf("training stopped at iteration %d: %s", master.Iteration(), runErr)
			case ctx.Err() != nil:
				logger.WithField("iteration", master.Iteration()).Info("training interrupted")
			default:
				logrus.Fatalf("training failed: %s", runErr)
			}
		},
	}
}
