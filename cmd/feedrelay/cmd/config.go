package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/feedrelay/internal/config"
	"github.com/jmylchreest/feedrelay/internal/relay"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing feedrelay configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values
and one example feed. Redirect the output to create a configuration template:

  feedrelay config dump > config.yaml

Environment variables use the FEEDRELAY_ prefix and underscores for nesting.
Example: network.target_ip -> FEEDRELAY_NETWORK_TARGET_IP`,
	RunE: runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load the configuration and check every feed without starting anything.

Feeds with a missing output entry, an unknown filter or invalid queue
settings are reported individually; the remaining feeds would still run.`,
	RunE: runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
}

// toMap converts a struct to a map keyed by mapstructure tags, formatting
// durations for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}
		result[key] = toValue(field)
	}
	return result
}

func toValue(field reflect.Value) any {
	if d, ok := field.Interface().(time.Duration); ok {
		return d.String()
	}
	switch field.Kind() {
	case reflect.Struct:
		return toMap(field.Interface())
	case reflect.Ptr:
		if field.IsNil() {
			return nil
		}
		return toValue(field.Elem())
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.Struct {
			return field.Interface()
		}
		items := make([]any, field.Len())
		for i := range items {
			items[i] = toValue(field.Index(i))
		}
		return items
	default:
		return field.Interface()
	}
}

// defaultConfig returns the built-in defaults plus one example feed.
func defaultConfig() (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling defaults: %w", err)
	}

	timeout := 500
	cfg.VideoConfig = config.VideoConfig{
		InputFeeds: []config.FeedConfig{{
			ID: "1", Width: 640, Height: 480, FPS: 60, Format: "mono",
			Queue: config.QueueConfig{MaxQueueSize: 1000, QueueTimeoutMS: &timeout, DropPolicy: "newest"},
			Filters: []config.FilterConfig{
				{Type: "jitter", Parameters: map[string]float64{"max_drift_ms": 100}},
			},
		}},
		OutputFeeds: []config.OutputFeedConfig{{
			ID: "1", Width: 320, Height: 240, FPS: 24, Format: "mono",
		}},
	}
	return &cfg, nil
}

func writeConfigDump(w io.Writer, cfg *config.Config) error {
	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# feedrelay Configuration File")
	fmt.Fprintln(w, "# =============================")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# All values shown below are defaults, except the example feed.")
	fmt.Fprintln(w, "# Duration format: 500ms, 30s, 5m, 1h")
	fmt.Fprintln(w, "# Schedules use cron syntax or descriptors such as @every 5s.")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Environment variable overrides:")
	fmt.Fprintln(w, "#   FEEDRELAY_NETWORK_HOST_IP, FEEDRELAY_NETWORK_TARGET_IP")
	fmt.Fprintln(w, "#   FEEDRELAY_SERVER_HOST, FEEDRELAY_SERVER_PORT")
	fmt.Fprintln(w, "#   FEEDRELAY_DATABASE_DRIVER, FEEDRELAY_DATABASE_DSN")
	fmt.Fprintln(w, "#   FEEDRELAY_LOGGING_LEVEL, FEEDRELAY_LOGGING_FORMAT")
	fmt.Fprintln(w, "#   etc.")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "")
	_, err = w.Write(yamlData)
	return err
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := defaultConfig()
	if err != nil {
		return err
	}
	return writeConfigDump(cmd.OutOrStdout(), cfg)
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cfg, path, err := config.LoadWithPath(cfgFile)
	if err != nil {
		return err
	}

	specs, feedErrs, err := relay.BuildSpecs(cfg)
	if err != nil {
		return fmt.Errorf("building feeds: %w", err)
	}

	out := cmd.OutOrStdout()
	if path != "" {
		fmt.Fprintf(out, "config: %s\n", path)
	}
	for _, spec := range specs {
		if _, ok := feedErrs[spec.ID]; !ok {
			// filters and queue settings are only checked when a pipeline is built
			if _, perr := relay.NewPipeline(spec); perr != nil {
				feedErrs[spec.ID] = perr
			}
		}
		if ferr, ok := feedErrs[spec.ID]; ok {
			fmt.Fprintf(out, "  %-12s INVALID  %v\n", spec.ID, ferr)
			continue
		}
		fmt.Fprintf(out, "  %-12s ok       %s %s -> %s %s\n",
			spec.ID, spec.Ingest.Protocol, spec.Ingest.Address, spec.Egress.Protocol, spec.Egress.Address)
	}

	if len(feedErrs) > 0 {
		return fmt.Errorf("%d of %d feeds are invalid", len(feedErrs), len(specs))
	}
	return nil
}
