// Package config provides configuration management for the bridge using
// Viper for loading from files, environment variables and command-line
// flags.
//
// Settings are grouped by concern: the robot controller, the recipe file,
// the WebSocket server, the optional MQTT mirror and logging. Environment
// variables use the RTDE_BRIDGE_ prefix with dots replaced by underscores,
// e.g. RTDE_BRIDGE_ROBOT_HOST.
package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "RTDE_BRIDGE"

// Defaults.
const (
	DefaultRobotHost      = "10.0.0.4"
	DefaultRobotPort      = 30004
	DefaultFrequency      = 125.0
	MaxFrequency          = 500.0
	DefaultRecipeFile     = "control_loop_configuration.xml"
	DefaultStateRecipe    = "state"
	DefaultSetpointRecipe = "setp"
	DefaultServerHost     = "0.0.0.0"
	DefaultServerPort     = 8765
	DefaultMQTTBroker     = "tcp://localhost:1883"
	DefaultMQTTClientID   = "rtde-bridge"
	DefaultMQTTPrefix     = "rtde"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
)

type Config struct {
	Robot  RobotConfig  `mapstructure:"robot" yaml:"robot"`
	Recipe RecipeConfig `mapstructure:"recipe" yaml:"recipe"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	MQTT   MQTTConfig   `mapstructure:"mqtt" yaml:"mqtt"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

type RobotConfig struct {
	Host      string  `mapstructure:"host" yaml:"host"`
	Port      int     `mapstructure:"port" yaml:"port"`
	Frequency float64 `mapstructure:"frequency" yaml:"frequency"`
}

type RecipeConfig struct {
	File     string `mapstructure:"file" yaml:"file"`
	State    string `mapstructure:"state" yaml:"state"`
	Setpoint string `mapstructure:"setpoint" yaml:"setpoint"`
}

type ServerConfig struct {
	Host       string `mapstructure:"host" yaml:"host"`
	Port       int    `mapstructure:"port" yaml:"port"`
	MaxBacklog int    `mapstructure:"max_backlog" yaml:"max_backlog"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker      string `mapstructure:"broker" yaml:"broker"`
	ClientID    string `mapstructure:"client_id" yaml:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	QoS         int    `mapstructure:"qos" yaml:"qos"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SetDefaults registers every default on v. Values already set are kept.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("robot.host", DefaultRobotHost)
	v.SetDefault("robot.port", DefaultRobotPort)
	v.SetDefault("robot.frequency", DefaultFrequency)
	v.SetDefault("recipe.file", DefaultRecipeFile)
	v.SetDefault("recipe.state", DefaultStateRecipe)
	v.SetDefault("recipe.setpoint", DefaultSetpointRecipe)
	v.SetDefault("server.host", DefaultServerHost)
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.max_backlog", 0)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", DefaultMQTTBroker)
	v.SetDefault("mqtt.client_id", DefaultMQTTClientID)
	v.SetDefault("mqtt.topic_prefix", DefaultMQTTPrefix)
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
}

// BindEnv makes every key overridable through RTDE_BRIDGE_* variables.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom applies defaults to v, decodes it and validates the result.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch reloads the configuration whenever the config file changes and
// hands every valid result to onChange. Invalid edits go to onError.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := LoadFrom(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reloading %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}
