package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/rtdebridge/internal/errors"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		setup       func()
		expectError bool
		check       func(t *testing.T, cfg *Config)
	}{
		{
			name:  "defaults",
			setup: func() { viper.Reset() },
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultRobotHost, cfg.Robot.Host)
				assert.Equal(t, DefaultRobotPort, cfg.Robot.Port)
				assert.Equal(t, DefaultFrequency, cfg.Robot.Frequency)
				assert.Equal(t, DefaultRecipeFile, cfg.Recipe.File)
				assert.Equal(t, "state", cfg.Recipe.State)
				assert.Equal(t, "setp", cfg.Recipe.Setpoint)
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				assert.Equal(t, 8765, cfg.Server.Port)
				assert.Zero(t, cfg.Server.MaxBacklog)
				assert.False(t, cfg.MQTT.Enabled)
				assert.Equal(t, "rtde", cfg.MQTT.TopicPrefix)
				assert.Equal(t, "info", cfg.Log.Level)
				assert.Equal(t, "text", cfg.Log.Format)
			},
		},
		{
			name: "overrides",
			setup: func() {
				viper.Reset()
				viper.Set("robot.host", "192.168.1.20")
				viper.Set("robot.frequency", 500)
				viper.Set("server.port", 9000)
				viper.Set("server.max_backlog", 64)
				viper.Set("mqtt.enabled", true)
				viper.Set("mqtt.qos", 1)
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "192.168.1.20", cfg.Robot.Host)
				assert.Equal(t, 500.0, cfg.Robot.Frequency)
				assert.Equal(t, 9000, cfg.Server.Port)
				assert.Equal(t, 64, cfg.Server.MaxBacklog)
				assert.True(t, cfg.MQTT.Enabled)
				assert.Equal(t, 1, cfg.MQTT.QoS)
				assert.Equal(t, DefaultMQTTBroker, cfg.MQTT.Broker)
			},
		},
		{
			name: "invalid viper config",
			setup: func() {
				viper.Reset()
				viper.Set("server.port", "invalid_port")
			},
			expectError: true,
		},
		{
			name: "frequency out of range",
			setup: func() {
				viper.Reset()
				viper.Set("robot.frequency", 1000)
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			t.Cleanup(viper.Reset)

			cfg, err := Load()
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("RTDE_BRIDGE_ROBOT_HOST", "robot.local")
	t.Setenv("RTDE_BRIDGE_SERVER_MAX_BACKLOG", "16")
	t.Setenv("RTDE_BRIDGE_LOG_LEVEL", "debug")

	v := viper.New()
	BindEnv(v)
	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, "robot.local", cfg.Robot.Host)
	assert.Equal(t, 16, cfg.Server.MaxBacklog)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yml")
	content := `
robot:
  host: 10.1.1.1
  port: 30004
recipe:
  file: recipes.xml
server:
  port: 8800
mqtt:
  enabled: true
  broker: tcp://broker:1883
  topic_prefix: cell/7
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1", cfg.Robot.Host)
	assert.Equal(t, "recipes.xml", cfg.Recipe.File)
	assert.Equal(t, "state", cfg.Recipe.State)
	assert.Equal(t, 8800, cfg.Server.Port)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "cell/7", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "json", cfg.Log.Format)
}

func validConfig() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty robot host", func(c *Config) { c.Robot.Host = " " }, "robot.host"},
		{"robot port zero", func(c *Config) { c.Robot.Port = 0 }, "robot.port"},
		{"robot port too large", func(c *Config) { c.Robot.Port = 70000 }, "robot.port"},
		{"zero frequency", func(c *Config) { c.Robot.Frequency = 0 }, "robot.frequency"},
		{"frequency above limit", func(c *Config) { c.Robot.Frequency = 501 }, "robot.frequency"},
		{"empty recipe file", func(c *Config) { c.Recipe.File = "" }, "recipe.file"},
		{"empty state key", func(c *Config) { c.Recipe.State = "" }, "recipe.state"},
		{"empty setpoint key", func(c *Config) { c.Recipe.Setpoint = "" }, "recipe.setpoint"},
		{"negative server port", func(c *Config) { c.Server.Port = -1 }, "server.port"},
		{"bad server host", func(c *Config) { c.Server.Host = "a b" }, "server.host"},
		{"negative backlog", func(c *Config) { c.Server.MaxBacklog = -1 }, "server.max_backlog"},
		{"qos out of range", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"bad broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "broker" }, "mqtt.broker"},
		{"broker scheme", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "http://b:80" }, "mqtt.broker"},
		{"wildcard prefix", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.TopicPrefix = "rtde/#" }, "mqtt.topic_prefix"},
		{"empty client id", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.ClientID = "" }, "mqtt.client_id"},
		{"unknown level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"unknown format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var be *errors.BridgeError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, errors.ErrorTypeConfig, be.Type)
			assert.Contains(t, be.Context, tt.field)
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())

	// A disabled mirror is not checked beyond its QoS.
	cfg.MQTT.Broker = ""
	assert.NoError(t, cfg.Validate())

	cfg.Server.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestValidateReportsEveryField(t *testing.T) {
	cfg := validConfig()
	cfg.Robot.Port = 0
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "robot.port")
	assert.Contains(t, err.Error(), "log.format")
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	changes := make(chan *Config, 4)
	Watch(v, func(cfg *Config) { changes <- cfg }, nil)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	select {
	case cfg := <-changes:
		assert.Equal(t, "debug", cfg.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}
}
