package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

var (
	monitorURL     string
	monitorCount   int
	monitorPose    string
	monitorTimeout time.Duration
)

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Aliases: []string{"m"},
	Short:   "Print state frames from a running bridge",
	Long: `Connect to a bridge as a WebSocket client, optionally send a target pose,
and print the next state frames, one JSON object per line.

Examples:
  rtde-bridge monitor
  rtde-bridge monitor -n 0                               # until interrupted
  rtde-bridge monitor --pose 0.1,0.2,0.3,0,0,0 -n 3
  rtde-bridge monitor --url ws://robot-cell:8765/`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().StringVar(&monitorURL, "url", "ws://localhost:8765/", "bridge WebSocket URL")
	monitorCmd.Flags().IntVarP(&monitorCount, "count", "n", 10, "frames to print (0 = until interrupted)")
	monitorCmd.Flags().StringVar(&monitorPose, "pose", "",
		"target pose to send first: six comma separated numbers or a JSON array")
	monitorCmd.Flags().DurationVar(&monitorTimeout, "timeout", 5*time.Second,
		"give up when no frame arrives within this time")
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var payload []byte
	if monitorPose != "" {
		pose, err := parsePose(monitorPose)
		if err != nil {
			return fmt.Errorf("invalid --pose: %w", err)
		}
		if payload, err = json.Marshal(pose); err != nil {
			return err
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, monitorTimeout)
	conn, _, err := websocket.Dial(dialCtx, monitorURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", monitorURL, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	if payload != nil {
		writeCtx, cancel := context.WithTimeout(ctx, monitorTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			return fmt.Errorf("sending pose: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	for n := 0; monitorCount == 0 || n < monitorCount; n++ {
		readCtx, cancel := context.WithTimeout(ctx, monitorTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("reading frame %d: %w", n+1, err)
		}
		fmt.Fprintln(out, string(data))
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	return nil
}
