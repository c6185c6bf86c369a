// Package cmd implements the CLI commands for feedrelay.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/feedrelay/internal/config"
	"github.com/jmylchreest/feedrelay/internal/observability"
	"github.com/jmylchreest/feedrelay/internal/version"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "feedrelay",
	Short:   "Video feed relay",
	Version: version.Short(),
	Long: `feedrelay receives video feeds over TCP or UDP, decodes them, runs a
per-feed filter chain, adapts the frame rate and re-encodes the result to a
target host.

Every feed runs in its own pipeline with a bounded queue and reconnects with
exponential backoff when either side of the connection fails.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// set here because initLogging reads rootCmd's flags
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Log flags are not bound to viper; they only override config and
	// environment when set explicitly.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "auto", "log format (auto, text, json, journal)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/feedrelay")
		viper.AddConfigPath("$HOME/.feedrelay")
	}

	viper.SetEnvPrefix("FEEDRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging installs the default logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) when explicitly provided
//  2. Environment variables (FEEDRELAY_LOGGING_LEVEL, FEEDRELAY_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults
func initLogging() error {
	logCfg := config.LoggingConfig{
		Level:      viper.GetString("logging.level"),
		Format:     viper.GetString("logging.format"),
		AddSource:  viper.GetBool("logging.add_source"),
		TimeFormat: viper.GetString("logging.time_format"),
	}

	if rootCmd.PersistentFlags().Changed("log-level") {
		logCfg.Level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		logCfg.Format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	logCfg.Level = strings.ToLower(logCfg.Level)
	logCfg.Format = strings.ToLower(logCfg.Format)
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	observability.SetDefault(logger)

	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
