package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/conneroisu/rtdebridge/internal/errors"
	"github.com/conneroisu/rtdebridge/internal/logging"
)

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var vec errors.ValidationErrorCollection

	validateRobotConfig(&c.Robot, &vec)
	validateRecipeConfig(&c.Recipe, &vec)
	validateServerConfig(&c.Server, &vec)
	validateMQTTConfig(&c.MQTT, &vec)
	validateLogConfig(&c.Log, &vec)

	if vec.HasErrors() {
		return vec.ToBridgeError()
	}
	return nil
}

func validateRobotConfig(rc *RobotConfig, vec *errors.ValidationErrorCollection) {
	if strings.TrimSpace(rc.Host) == "" {
		vec.AddField("robot.host", rc.Host, "must not be empty")
	}
	validatePort("robot.port", rc.Port, vec)
	if rc.Frequency <= 0 || rc.Frequency > MaxFrequency {
		vec.AddField("robot.frequency", rc.Frequency,
			fmt.Sprintf("must be in (0, %g] Hz", MaxFrequency))
	}
}

func validateRecipeConfig(rc *RecipeConfig, vec *errors.ValidationErrorCollection) {
	if rc.File == "" {
		vec.AddField("recipe.file", rc.File, "must not be empty")
	}
	if rc.State == "" {
		vec.AddField("recipe.state", rc.State, "must not be empty")
	}
	if rc.Setpoint == "" {
		vec.AddField("recipe.setpoint", rc.Setpoint, "must not be empty")
	}
}

func validateServerConfig(sc *ServerConfig, vec *errors.ValidationErrorCollection) {
	// Port 0 asks the system for a free port.
	if sc.Port < 0 || sc.Port > 65535 {
		vec.AddField("server.port", sc.Port, "must be in 0-65535")
	}
	if strings.ContainsAny(sc.Host, " \t\r\n/") {
		vec.AddField("server.host", sc.Host, "is not a host name or address")
	}
	if sc.MaxBacklog < 0 {
		vec.AddField("server.max_backlog", sc.MaxBacklog, "must not be negative")
	}
}

func validateMQTTConfig(mc *MQTTConfig, vec *errors.ValidationErrorCollection) {
	if mc.QoS < 0 || mc.QoS > 2 {
		vec.AddField("mqtt.qos", mc.QoS, "must be 0, 1 or 2")
	}
	if !mc.Enabled {
		return
	}
	u, err := url.Parse(mc.Broker)
	if err != nil || u.Host == "" {
		vec.AddField("mqtt.broker", mc.Broker, "must be a URL such as tcp://host:1883")
	} else {
		switch u.Scheme {
		case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
		default:
			vec.AddField("mqtt.broker", mc.Broker, fmt.Sprintf("unsupported scheme %q", u.Scheme))
		}
	}
	if mc.ClientID == "" {
		vec.AddField("mqtt.client_id", mc.ClientID, "must not be empty")
	}
	if mc.TopicPrefix == "" || strings.ContainsAny(mc.TopicPrefix, "#+") {
		vec.AddField("mqtt.topic_prefix", mc.TopicPrefix, "must be non-empty and free of wildcards")
	}
}

func validateLogConfig(lc *LogConfig, vec *errors.ValidationErrorCollection) {
	if _, err := logging.ParseLevel(lc.Level); err != nil {
		vec.AddField("log.level", lc.Level, "must be debug, info, warn or error")
	}
	switch lc.Format {
	case "text", "json":
	default:
		vec.AddField("log.format", lc.Format, "must be text or json")
	}
}

func validatePort(field string, port int, vec *errors.ValidationErrorCollection) {
	if port < 1 || port > 65535 {
		vec.AddField(field, port, "must be in 1-65535")
	}
}
