package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conneroisu/rtdebridge/internal/config"
	"github.com/conneroisu/rtdebridge/internal/frame"
)

// flagBinding ties a command-line flag to a configuration key.
type flagBinding struct {
	key  string
	flag string
}

// bridgeBindings are the serve flags and the keys they override.
var bridgeBindings = []flagBinding{
	{key: "robot.host", flag: "robot-ip"},
	{key: "robot.port", flag: "robot-port"},
	{key: "robot.frequency", flag: "frequency"},
	{key: "recipe.file", flag: "recipe"},
	{key: "server.host", flag: "ws-host"},
	{key: "server.port", flag: "ws-port"},
	{key: "server.max_backlog", flag: "max-backlog"},
	{key: "mqtt.enabled", flag: "mqtt"},
	{key: "mqtt.broker", flag: "mqtt-broker"},
}

// addBridgeFlags registers the serve flags on fs with the configuration
// defaults.
func addBridgeFlags(fs *pflag.FlagSet) {
	fs.String("robot-ip", config.DefaultRobotHost, "robot controller address")
	fs.Int("robot-port", config.DefaultRobotPort, "robot controller RTDE port")
	fs.Float64("frequency", config.DefaultFrequency, "state output frequency in Hz")
	fs.String("recipe", config.DefaultRecipeFile, "recipe file (XML or YAML)")
	fs.String("ws-host", config.DefaultServerHost, "WebSocket listen address")
	fs.IntP("ws-port", "p", config.DefaultServerPort, "WebSocket listen port")
	fs.Int("max-backlog", 0, "frames buffered per client before the oldest is dropped (0 = unbounded)")
	fs.Bool("mqtt", false, "mirror state and setpoints through an MQTT broker")
	fs.String("mqtt-broker", config.DefaultMQTTBroker, "MQTT broker URL")
}

// bindFlags binds each flag in bindings to its key on v.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, bindings []flagBinding) error {
	for _, b := range bindings {
		f := fs.Lookup(b.flag)
		if f == nil {
			return fmt.Errorf("flag --%s is not defined", b.flag)
		}
		if err := v.BindPFlag(b.key, f); err != nil {
			return fmt.Errorf("binding --%s to %s: %w", b.flag, b.key, err)
		}
	}
	return nil
}

func mustBind(v *viper.Viper, fs *pflag.FlagSet, bindings []flagBinding) {
	if err := bindFlags(v, fs, bindings); err != nil {
		panic(err)
	}
}

// parsePose accepts either a JSON array or six comma separated numbers.
func parsePose(s string) (frame.Pose, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		return frame.DecodePose([]byte(s))
	}

	parts := strings.Split(s, ",")
	if len(parts) != frame.PoseSize {
		return frame.Pose{}, fmt.Errorf("pose needs %d comma separated values, got %d",
			frame.PoseSize, len(parts))
	}
	values := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return frame.Pose{}, fmt.Errorf("pose value %d: %w", i, err)
		}
		values[i] = f
	}
	// Round-trip through the wire decoder so the same checks apply.
	data, err := json.Marshal(values)
	if err != nil {
		return frame.Pose{}, err
	}
	return frame.DecodePose(data)
}
