package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/rtdebridge/internal/config"
	"github.com/conneroisu/rtdebridge/internal/rtde"
)

var (
	simulateHost      string
	simulatePort      int
	simulateFrequency float64
	simulateMaxFrames int
)

var simulateCmd = &cobra.Command{
	Use:     "simulate",
	Aliases: []string{"sim"},
	Short:   "Run a simulated RTDE controller",
	Long: `Run an in-process controller that speaks the RTDE protocol. It answers the
handshake, streams synthetic state frames and records the setpoints it
receives; the reported TCP pose follows the last setpoint.

Examples:
  rtde-bridge simulate
  rtde-bridge simulate --port 30010 --max-frames 1000`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().StringVar(&simulateHost, "host", "127.0.0.1", "address to listen on")
	simulateCmd.Flags().IntVar(&simulatePort, "port", rtde.DefaultPort, "RTDE port to listen on")
	simulateCmd.Flags().Float64Var(&simulateFrequency, "frequency", 0,
		"output frequency in Hz, overriding what clients request (0 = honour the client)")
	simulateCmd.Flags().IntVar(&simulateMaxFrames, "max-frames", 0,
		"close each connection after this many frames (0 = unlimited)")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	logger := newLogger(config.LogConfig{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
	})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := rtde.NewSimulator(rtde.SimulatorConfig{
		Frequency: simulateFrequency,
		MaxFrames: simulateMaxFrames,
	}, logger)
	if err := sim.Listen(hostPort(simulateHost, simulatePort)); err != nil {
		return err
	}
	logger.Info(ctx, "Simulated controller listening", "addr", sim.Addr().String())

	err := sim.Serve(ctx)
	logger.Info(ctx, "Simulated controller stopped", "setpoints", len(sim.Setpoints()))
	return err
}
