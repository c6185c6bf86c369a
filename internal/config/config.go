// Package config provides configuration management for feedrelay using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8090
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxOpenConns      = 10
	defaultMaxIdleConns      = 5
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultCodecTimeout      = 2 * time.Second
	defaultStartStagger      = 500 * time.Millisecond
	defaultDialTimeout       = 5 * time.Second
	defaultReadTimeout       = 2 * time.Second
	defaultWriteTimeout      = 2 * time.Second
	defaultMaxConsecutiveErr = 5
	defaultDatagramSize      = 1316 // 7 transport stream packets
	defaultReadBufferSize    = 64 * 1024
	defaultBaseDelay         = 500 * time.Millisecond
	defaultMaxDelay          = 30 * time.Second
	defaultJitter            = 0.1
	defaultMaxFailures       = 10
	defaultExtendedCooldown  = 60 * time.Second
	defaultMaxFrameErrors    = 100
	defaultMemoryThresholdMB = 400
	defaultInputBasePort     = 6000
	defaultOutputBasePort    = 8554
	defaultQueueTimeoutMS    = 500

	maxPort = 65535
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig     `mapstructure:"server"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Pipeline    PipelineConfig   `mapstructure:"pipeline"`
	Transport   TransportConfig  `mapstructure:"transport"`
	Resilience  ResilienceConfig `mapstructure:"resilience"`
	Stats       StatsConfig      `mapstructure:"stats"`
	VideoConfig VideoConfig      `mapstructure:"video_config"`
	Network     NetworkConfig    `mapstructure:"network"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text, auto, journal
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// DatabaseConfig holds the stats snapshot store configuration.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" masq:"secret"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// PipelineConfig holds settings shared by every feed pipeline.
type PipelineConfig struct {
	Codec        string        `mapstructure:"codec"`         // mpegts, raw
	CodecTimeout time.Duration `mapstructure:"codec_timeout"` // per decode/encode call
	StartStagger time.Duration `mapstructure:"start_stagger"` // delay between feed starts
}

// TransportConfig holds network endpoint tuning.
type TransportConfig struct {
	DialTimeout          time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	DatagramSize         int           `mapstructure:"datagram_size"`
	ReadBufferSize       int           `mapstructure:"read_buffer_size"`
	SocketBuffer         int           `mapstructure:"socket_buffer"`
	MulticastTTL         int           `mapstructure:"multicast_ttl"`
}

// ResilienceConfig holds reconnect and error tolerance settings.
type ResilienceConfig struct {
	BaseDelay              time.Duration `mapstructure:"base_delay"`
	MaxDelay               time.Duration `mapstructure:"max_delay"`
	Jitter                 float64       `mapstructure:"jitter"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	ExtendedCooldown       time.Duration `mapstructure:"extended_cooldown"`
	MaxFrameErrors         int           `mapstructure:"max_frame_errors"`
}

// StatsConfig holds the schedules of the background stats jobs.
// Schedules use robfig/cron syntax, including "@every 5s" descriptors.
type StatsConfig struct {
	ReportSchedule    string        `mapstructure:"report_schedule"`
	SnapshotSchedule  string        `mapstructure:"snapshot_schedule"`
	Retention         time.Duration `mapstructure:"retention"`
	RetentionSchedule string        `mapstructure:"retention_schedule"`
	MemorySchedule    string        `mapstructure:"memory_schedule"`
	MemoryThresholdMB int           `mapstructure:"memory_threshold_mb"`
}

// VideoConfig lists the feeds to process.
type VideoConfig struct {
	InputFeeds  []FeedConfig       `mapstructure:"input_feeds"`
	OutputFeeds []OutputFeedConfig `mapstructure:"output_feeds"`
}

// FeedConfig describes one input feed.
type FeedConfig struct {
	ID      string         `mapstructure:"id"`
	Width   int            `mapstructure:"width"`
	Height  int            `mapstructure:"height"`
	FPS     float64        `mapstructure:"fps"`
	Format  string         `mapstructure:"format"` // mono, stereo
	Queue   QueueConfig    `mapstructure:"queue"`
	Filters []FilterConfig `mapstructure:"filters"`
}

// QueueConfig holds backpressure settings of one feed.
type QueueConfig struct {
	MaxQueueSize int `mapstructure:"max_queue_size"`
	// QueueTimeoutMS is nil when unset so that an explicit 0 (drop at once)
	// is distinguishable from the default.
	QueueTimeoutMS *int   `mapstructure:"queue_timeout_ms"`
	DropPolicy     string `mapstructure:"drop_policy"` // newest, oldest
}

// Timeout returns the enqueue timeout.
func (q QueueConfig) Timeout() time.Duration {
	if q.QueueTimeoutMS == nil {
		return defaultQueueTimeoutMS * time.Millisecond
	}
	return time.Duration(*q.QueueTimeoutMS) * time.Millisecond
}

// FilterConfig selects a filter type and its numeric parameters.
type FilterConfig struct {
	Type       string             `mapstructure:"type"`
	Parameters map[string]float64 `mapstructure:"parameters"`
}

// OutputFeedConfig describes the egress side of a feed.
type OutputFeedConfig struct {
	ID     string  `mapstructure:"id"`
	Width  int     `mapstructure:"width"`
	Height int     `mapstructure:"height"`
	FPS    float64 `mapstructure:"fps"`
	Format string  `mapstructure:"format"`
}

// NetworkConfig holds the addresses feeds are bound to.
type NetworkConfig struct {
	HostIP              string `mapstructure:"host_ip"`
	TargetIP            string `mapstructure:"target_ip"`
	InputBaseVideoPort  int    `mapstructure:"input_base_video_port"`
	OutputBaseVideoPort int    `mapstructure:"output_base_video_port"`
	InputNetworkType    string `mapstructure:"input_network_type"`  // tcp, udp
	OutputNetworkType   string `mapstructure:"output_network_type"` // tcp, udp
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with FEEDRELAY_ and use underscores for nesting.
// Example: FEEDRELAY_NETWORK_TARGET_IP=10.0.0.2.
func Load(configPath string) (*Config, error) {
	cfg, _, err := load(configPath)
	return cfg, err
}

// LoadWithPath is Load that also reports the config file that was read, or ""
// when only defaults and environment were used.
func LoadWithPath(configPath string) (*Config, string, error) {
	return load(configPath)
}

func load(configPath string) (*Config, string, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/feedrelay")
		v.AddConfigPath("$HOME/.feedrelay")
	}

	v.SetEnvPrefix("FEEDRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, "", fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg, err := FromViper(v)
	if err != nil {
		return nil, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

// FromViper builds a validated Config from an already populated viper
// instance, such as the global one with CLI flags bound to it.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.applyFeedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// Feed lists have no defaults; a feed's queue timeout and drop policy are
// filled in after unmarshaling.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "auto")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "feedrelay.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Pipeline defaults
	v.SetDefault("pipeline.codec", "mpegts")
	v.SetDefault("pipeline.codec_timeout", defaultCodecTimeout)
	v.SetDefault("pipeline.start_stagger", defaultStartStagger)

	// Transport defaults
	v.SetDefault("transport.dial_timeout", defaultDialTimeout)
	v.SetDefault("transport.read_timeout", defaultReadTimeout)
	v.SetDefault("transport.write_timeout", defaultWriteTimeout)
	v.SetDefault("transport.max_consecutive_errors", defaultMaxConsecutiveErr)
	v.SetDefault("transport.datagram_size", defaultDatagramSize)
	v.SetDefault("transport.read_buffer_size", defaultReadBufferSize)
	v.SetDefault("transport.socket_buffer", 0)
	v.SetDefault("transport.multicast_ttl", 1)

	// Resilience defaults
	v.SetDefault("resilience.base_delay", defaultBaseDelay)
	v.SetDefault("resilience.max_delay", defaultMaxDelay)
	v.SetDefault("resilience.jitter", defaultJitter)
	v.SetDefault("resilience.max_consecutive_failures", defaultMaxFailures)
	v.SetDefault("resilience.extended_cooldown", defaultExtendedCooldown)
	v.SetDefault("resilience.max_frame_errors", defaultMaxFrameErrors)

	// Stats defaults
	v.SetDefault("stats.report_schedule", "@every 5s")
	v.SetDefault("stats.snapshot_schedule", "@every 1m")
	v.SetDefault("stats.retention", 7*24*time.Hour)
	v.SetDefault("stats.retention_schedule", "@hourly")
	v.SetDefault("stats.memory_schedule", "@every 10s")
	v.SetDefault("stats.memory_threshold_mb", defaultMemoryThresholdMB)

	// Network defaults
	v.SetDefault("network.host_ip", "127.0.0.1")
	v.SetDefault("network.target_ip", "127.0.0.1")
	v.SetDefault("network.input_base_video_port", defaultInputBasePort)
	v.SetDefault("network.output_base_video_port", defaultOutputBasePort)
	v.SetDefault("network.input_network_type", "udp")
	v.SetDefault("network.output_network_type", "udp")
}

// applyFeedDefaults fills per-feed values viper cannot default inside lists.
// max_queue_size has no default.
func (c *Config) applyFeedDefaults() {
	for i := range c.VideoConfig.InputFeeds {
		f := &c.VideoConfig.InputFeeds[i]
		if f.Format == "" {
			f.Format = "mono"
		}
		if f.Queue.DropPolicy == "" {
			f.Queue.DropPolicy = "newest"
		}
	}
	for i := range c.VideoConfig.OutputFeeds {
		if c.VideoConfig.OutputFeeds[i].Format == "" {
			c.VideoConfig.OutputFeeds[i].Format = "mono"
		}
	}
}

// Validate checks the process-wide configuration. Problems confined to one
// feed are reported by FeedConfig.Validate so the remaining feeds can run.
func (c *Config) Validate() error {
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > maxPort) {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Database.Enabled {
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.Database.Driver] {
			return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required")
		}
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "auto": true, "journal": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text, auto, journal")
	}

	if c.Pipeline.CodecTimeout <= 0 {
		return fmt.Errorf("pipeline.codec_timeout must be positive")
	}
	if c.Pipeline.StartStagger < 0 {
		return fmt.Errorf("pipeline.start_stagger must not be negative")
	}

	if c.Transport.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("transport.max_consecutive_errors must be at least 1")
	}
	if c.Transport.DatagramSize < 188 || c.Transport.DatagramSize > 65507 {
		return fmt.Errorf("transport.datagram_size must be between 188 and 65507")
	}

	if c.Resilience.BaseDelay <= 0 {
		return fmt.Errorf("resilience.base_delay must be positive")
	}
	if c.Resilience.MaxDelay < c.Resilience.BaseDelay {
		return fmt.Errorf("resilience.max_delay must not be below resilience.base_delay")
	}
	if c.Resilience.Jitter < 0 || c.Resilience.Jitter >= 1 {
		return fmt.Errorf("resilience.jitter must be in [0, 1)")
	}
	if c.Resilience.MaxFrameErrors < 1 {
		return fmt.Errorf("resilience.max_frame_errors must be at least 1")
	}

	if err := c.Network.Validate(); err != nil {
		return err
	}
	// raw units carry a whole picture and cannot be split across datagrams
	if strings.EqualFold(c.Pipeline.Codec, "raw") && strings.EqualFold(c.Network.OutputNetworkType, "udp") {
		return fmt.Errorf("pipeline.codec raw requires network.output_network_type tcp")
	}

	if len(c.VideoConfig.InputFeeds) == 0 {
		return fmt.Errorf("video_config.input_feeds must list at least one feed")
	}
	if id := duplicateID(c.VideoConfig.InputFeeds, func(f FeedConfig) string { return f.ID }); id != "" {
		return fmt.Errorf("video_config.input_feeds: duplicate id %q", id)
	}
	if id := duplicateID(c.VideoConfig.OutputFeeds, func(f OutputFeedConfig) string { return f.ID }); id != "" {
		return fmt.Errorf("video_config.output_feeds: duplicate id %q", id)
	}
	return nil
}

func duplicateID[T any](feeds []T, id func(T) string) string {
	seen := make(map[string]bool, len(feeds))
	for _, f := range feeds {
		key := id(f)
		if key != "" && seen[key] {
			return key
		}
		seen[key] = true
	}
	return ""
}

// Validate checks the network section.
func (n *NetworkConfig) Validate() error {
	if n.HostIP == "" {
		return fmt.Errorf("network.host_ip is required")
	}
	if n.TargetIP == "" {
		return fmt.Errorf("network.target_ip is required")
	}
	if n.InputBaseVideoPort < 1 || n.InputBaseVideoPort > maxPort {
		return fmt.Errorf("network.input_base_video_port must be between 1 and %d", maxPort)
	}
	if n.OutputBaseVideoPort < 1 || n.OutputBaseVideoPort > maxPort {
		return fmt.Errorf("network.output_base_video_port must be between 1 and %d", maxPort)
	}
	validTypes := map[string]bool{"tcp": true, "udp": true}
	if !validTypes[strings.ToLower(n.InputNetworkType)] {
		return fmt.Errorf("network.input_network_type must be one of: tcp, udp")
	}
	if !validTypes[strings.ToLower(n.OutputNetworkType)] {
		return fmt.Errorf("network.output_network_type must be one of: tcp, udp")
	}
	return nil
}

// Validate checks the settings of one input feed.
func (f *FeedConfig) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("id is required")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("width and height must be positive")
	}
	if f.FPS <= 0 {
		return fmt.Errorf("fps must be positive")
	}
	if f.Format != "mono" && f.Format != "stereo" {
		return fmt.Errorf("format must be one of: mono, stereo")
	}
	if f.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue.max_queue_size must be a positive integer")
	}
	if f.Queue.QueueTimeoutMS != nil && *f.Queue.QueueTimeoutMS < 0 {
		return fmt.Errorf("queue.queue_timeout_ms must not be negative")
	}
	if f.Queue.DropPolicy != "newest" && f.Queue.DropPolicy != "oldest" {
		return fmt.Errorf("queue.drop_policy must be one of: newest, oldest")
	}
	return nil
}

// Validate checks the settings of one output feed.
func (f *OutputFeedConfig) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("width and height must be positive")
	}
	if f.FPS <= 0 {
		return fmt.Errorf("fps must be positive")
	}
	if f.Format != "mono" && f.Format != "stereo" {
		return fmt.Errorf("format must be one of: mono, stereo")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// InputPort returns the ingest port of the feed at position index of
// video_config.input_feeds.
func (n *NetworkConfig) InputPort(index int) int {
	return n.InputBaseVideoPort + index
}

// OutputPort returns the egress port of the feed at position index of
// video_config.output_feeds.
func (n *NetworkConfig) OutputPort(index int) int {
	return n.OutputBaseVideoPort + index
}
