package cmd

import (
	"net"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zeu5/dist-rl-driving/sim"
)

func SimCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run the built-in track simulator on one port",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signalContext()
			defer stop()

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				logrus.Fatalf("listening on %s: %s", addr, err)
			}
			server := sim.NewServer(cfg.Sim.Track, nil)
			if err := server.Serve(ctx, ln); err != nil {
				logrus.WithError(err).Error("simulator stopped")
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9091", "Address to serve the simulator on")
	return cmd
}
