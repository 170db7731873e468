package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zeu5/dist-rl-driving/config"
)

var (
	cfg config.Config = config.Default()

	configFile  string
	logLevel    string
	savePath    string
	metricsAddr string
	brokerAddr  string
	iterations  int
	workerURLs  []string
)

func AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&savePath, "save-path", "", "Path to save results, overrides save_path")
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	cmd.PersistentFlags().StringVar(&brokerAddr, "broker", "", "Broker address, overrides broker.addr")
	cmd.PersistentFlags().IntVar(&iterations, "iterations", 0, "Training iterations, overrides training.iterations")
	cmd.PersistentFlags().StringSliceVar(&workerURLs, "workers", nil, "Worker websocket URLs, overrides rpc.workers")
}

// UpdateFlags loads the configuration file and applies the flags that
// were set on top of it.
func UpdateFlags() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	loaded, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if savePath != "" {
		loaded.SavePath = savePath
	}
	if brokerAddr != "" {
		loaded.Broker.Addr = brokerAddr
	}
	if iterations > 0 {
		loaded.Training.Iterations = iterations
	}
	if len(workerURLs) > 0 {
		loaded.RPC.Workers = workerURLs
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded
	return nil
}
