package cmd

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/rtdebridge/internal/bridge"
	"github.com/conneroisu/rtdebridge/internal/config"
	"github.com/conneroisu/rtdebridge/internal/fanout"
	"github.com/conneroisu/rtdebridge/internal/frame"
	"github.com/conneroisu/rtdebridge/internal/logging"
	"github.com/conneroisu/rtdebridge/internal/mqtt"
	"github.com/conneroisu/rtdebridge/internal/recipe"
	"github.com/conneroisu/rtdebridge/internal/rtde"
	"github.com/conneroisu/rtdebridge/internal/version"
	ws "github.com/conneroisu/rtdebridge/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Run the bridge",
	Long: `Connect to the robot controller, stream every state frame to WebSocket
clients and forward the most recent client pose to the controller as a
setpoint on every cycle.

Clients connect to ws://<ws-host>:<ws-port>/ and receive one JSON object per
state frame. A client sets the target pose by sending a JSON array of six
numbers: [x, y, z, rx, ry, rz]. GET /healthz reports session and frame counts.

Examples:
  rtde-bridge serve
  rtde-bridge serve --robot-ip 192.168.0.10 --ws-port 9000
  rtde-bridge serve --mqtt --mqtt-broker tcp://broker:1883`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addBridgeFlags(serveCmd.Flags())
	mustBind(viper.GetViper(), serveCmd.Flags(), bridgeBindings)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if viper.ConfigFileUsed() != "" {
		watchLogLevel(ctx, logger)
	}

	app, err := buildBridge(cfg, logger)
	if err != nil {
		return err
	}
	defer app.states.Close()

	logger.Info(ctx, "Starting bridge",
		"version", version.GetShortVersion(),
		"robot", hostPort(cfg.Robot.Host, cfg.Robot.Port),
		"listen", hostPort(cfg.Server.Host, cfg.Server.Port),
		"mqtt", cfg.MQTT.Enabled)

	if err := app.supervisor.Run(ctx); err != nil {
		return err
	}
	logger.Info(ctx, "Bridge stopped", "frames", app.loop.Frames(), "setpoints", app.loop.Setpoints())
	return nil
}

// bridgeApp is a fully wired bridge ready to run.
type bridgeApp struct {
	supervisor *bridge.Supervisor
	loop       *bridge.ControllerLoop
	websocket  *ws.Service
	mirror     *mqtt.Mirror
	states     *fanout.Fanout[*frame.Snapshot]
	cell       *bridge.TargetPoseCell
}

// buildBridge loads the recipes and wires the controller loop and every
// service around one target pose cell and one state fan-out.
func buildBridge(cfg *config.Config, logger logging.Logger) (*bridgeApp, error) {
	src, err := recipe.LoadFile(cfg.Recipe.File)
	if err != nil {
		return nil, err
	}
	state, err := src.LoadRecipe(cfg.Recipe.State)
	if err != nil {
		return nil, err
	}
	setpoint, err := src.LoadRecipe(cfg.Recipe.Setpoint)
	if err != nil {
		return nil, err
	}

	app := &bridgeApp{
		states: fanout.New[*frame.Snapshot](cfg.Server.MaxBacklog),
		cell:   bridge.NewTargetPoseCell(),
	}

	client := rtde.NewClient(cfg.Robot.Host, cfg.Robot.Port,
		rtde.WithFrequency(cfg.Robot.Frequency),
		rtde.WithLogger(logger))
	app.loop = bridge.NewControllerLoop(client, state, setpoint, app.states, app.cell, logger)

	app.websocket = ws.NewService(ws.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, app.cell, app.states, logger)

	app.supervisor = bridge.NewSupervisor(app.loop, nil, logger)
	app.supervisor.Add("websocket", app.websocket)

	if cfg.MQTT.Enabled {
		mcfg := mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		}
		mirror := mqtt.NewMirror(mqtt.NewClient(mcfg, logger), mcfg, app.cell, app.states, logger)
		app.mirror = mirror
		app.supervisor.Add("mqtt", mirror)
		app.websocket.AddHealthReport("mqtt", func() interface{} { return mirror.Stats() })
	}
	return app, nil
}

// watchLogLevel applies log level edits in the config file while running.
func watchLogLevel(ctx context.Context, logger *logging.BridgeLogger) {
	config.Watch(viper.GetViper(), func(cfg *config.Config) {
		if viper.GetBool("verbose") {
			return
		}
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return
		}
		if level != logger.Level() {
			logger.SetLevel(level)
			logger.Info(ctx, "Log level changed", "level", level.String())
		}
	}, func(err error) {
		logger.Warn(ctx, err, "Ignoring invalid configuration change")
	})
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
