package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func RootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "dist-rl-driving",
		Short:        "Distributed reinforcement learning for a driving simulator",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := UpdateFlags(); err != nil {
				logrus.Fatalf("configuration: %s", err)
			}
		},
	}
	AddFlags(cmd)

	cmd.AddCommand(
		BrokerCommand(),
		SimCommand(),
		WorkerCommand(),
		TrainCommand(),
	)

	return cmd
}
