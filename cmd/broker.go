package cmd

import (
	"net"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zeu5/dist-rl-driving/broker"
)

func BrokerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "broker",
		Short: "Lease simulator ports to workers",
		Run: func(cmd *cobra.Command, args []string) {
			if err := cfg.RequireCredential(); err != nil {
				logrus.Fatal(err)
			}
			ctx, stop := signalContext()
			defer stop()

			logger := logrus.NewEntry(logrus.StandardLogger())
			reg := newRegistry()
			metrics := broker.NewMetrics(reg)
			serveMetrics(ctx, metricsAddr, reg)

			var launcher broker.Launcher
			if cfg.Broker.Launcher.Command != "" {
				launcher = &broker.ExecLauncher{
					Command: cfg.Broker.Launcher.Command,
					Args:    cfg.Broker.Launcher.Args,
					Grace:   cfg.Broker.Launcher.Grace,
					Logger:  logger,
				}
			}
			pool, err := broker.NewPool(cfg.Broker.Pool(), launcher, metrics, logger)
			if err != nil {
				logrus.Fatalf("creating pool: %s", err)
			}
			defer func() {
				if err := pool.Close(); err != nil {
					logrus.WithError(err).Warn("stopping simulators")
				}
			}()

			ln, err := net.Listen("tcp", cfg.Broker.Addr)
			if err != nil {
				logrus.Fatalf("listening on %s: %s", cfg.Broker.Addr, err)
			}
			server := broker.NewServer(pool, cfg.Broker.Server(), metrics, logger)
			if err := server.Serve(ctx, ln); err != nil {
				logrus.WithError(err).Error("broker stopped")
			}
		},
	}
}
