package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/rtdebridge/internal/config"
	"github.com/conneroisu/rtdebridge/internal/logging"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rtde-bridge",
	Short: "Bridge a robot controller's RTDE interface to WebSocket clients",
	Long: `rtde-bridge connects to a robot controller over the Real-Time Data Exchange
protocol, streams every state frame to WebSocket clients as JSON and forwards
the latest target pose sent by any client back to the controller.

Quick Start:
  rtde-bridge serve --robot-ip 10.0.0.4     Run the bridge
  rtde-bridge simulate                      Run a simulated controller
  rtde-bridge monitor -n 10                 Print ten frames from a bridge
  rtde-bridge recipe                        List configured recipes`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "",
		"config file (default is .rtde-bridge.yml, can also use RTDE_BRIDGE_CONFIG_FILE env var)")
	pf.StringP("log-level", "l", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	pf.String("log-format", config.DefaultLogFormat, "log format (text, json)")
	pf.BoolP("verbose", "v", false, "enable debug logging")

	mustBind(viper.GetViper(), pf, []flagBinding{
		{key: "log.level", flag: "log-level"},
		{key: "log.format", flag: "log-format"},
		{key: "verbose", flag: "verbose"},
	})
}

// initConfig selects the config file and enables environment overrides.
//
// Config file priority (highest to lowest):
//  1. --config flag
//  2. RTDE_BRIDGE_CONFIG_FILE environment variable
//  3. .rtde-bridge.yml in the current directory
//
// A missing config file is not an error; defaults apply.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv(config.EnvPrefix + "_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".rtde-bridge")
	}

	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger builds the process logger. --verbose wins over the configured
// level.
func newLogger(cfg config.LogConfig) *logging.BridgeLogger {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	if viper.GetBool("verbose") {
		level = logging.LevelDebug
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: cfg.Format,
		Output: os.Stderr,
	})
}
