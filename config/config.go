package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. HANDOFF_SERVER_PORT.
const EnvPrefix = "HANDOFF"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Directory DirectoryConfig `mapstructure:"directory" yaml:"directory"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Cluster   ClusterConfig   `mapstructure:"cluster" yaml:"cluster"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	MaxMsgSize      int           `mapstructure:"max_msg_size" yaml:"max_msg_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DirectoryConfig tunes the handoff directory.
type DirectoryConfig struct {
	DefaultTimeout   time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	NotifyBuffer     int           `mapstructure:"notify_buffer" yaml:"notify_buffer"`
	NoticeBuffer     int           `mapstructure:"notice_buffer" yaml:"notice_buffer"`
	UnsubscribeOnPut bool          `mapstructure:"unsubscribe_on_put" yaml:"unsubscribe_on_put"`
	RecordTTL        time.Duration `mapstructure:"record_ttl" yaml:"record_ttl"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// StorageConfig contains storage-related configuration
type StorageConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
}

const (
	MembershipStatic = "static"
	MembershipRaft   = "raft"
)

// ClusterConfig contains clustering configuration
type ClusterConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	NodeID            string        `mapstructure:"node_id" yaml:"node_id"`
	AdvertiseAddr     string        `mapstructure:"advertise_addr" yaml:"advertise_addr"`
	Seeds             []string      `mapstructure:"seeds" yaml:"seeds"`
	Membership        string        `mapstructure:"membership" yaml:"membership"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `mapstructure:"heartbeat_ttl" yaml:"heartbeat_ttl"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ConnIdleTimeout   time.Duration `mapstructure:"conn_idle_timeout" yaml:"conn_idle_timeout"`
	Raft              RaftConfig    `mapstructure:"raft" yaml:"raft"`
}

// RaftConfig applies when cluster.membership is raft.
type RaftConfig struct {
	BindAddr    string        `mapstructure:"bind_addr" yaml:"bind_addr"`
	DataDir     string        `mapstructure:"data_dir" yaml:"data_dir"`
	Bootstrap   bool          `mapstructure:"bootstrap" yaml:"bootstrap"`
	JoinTimeout time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Exporter    string `mapstructure:"exporter" yaml:"exporter"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// Loader reads configuration from defaults, an optional file, environment
// variables and bound flags, in increasing precedence.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a loader with defaults and environment overrides set up.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// BindFlag makes flag override key when it is set on the command line.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: nil flag", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads configPath, or config.yaml from the search paths when empty.
func (l *Loader) Load(configPath string) (*Config, error) {
	l.v.SetConfigName("config")
	l.v.SetConfigType("yaml")

	if configPath != "" {
		l.v.SetConfigFile(configPath)
	} else {
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./config")
		l.v.AddConfigPath("/etc/handoff")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return l.decode()
}

// ConfigFile returns the file in use, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch calls fn with the reloaded configuration each time the config file
// changes. It does nothing when no file was loaded.
func (l *Loader) Watch(fn func(*Config, error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(fsnotify.Event) {
		fn(l.decode())
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and set computed values
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*Config, error) {
	return NewLoader().Load(configPath)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 7400)
	v.SetDefault("server.max_msg_size", 4*1024*1024)
	v.SetDefault("server.shutdown_timeout", "30s")

	// Directory defaults
	v.SetDefault("directory.default_timeout", "5s")
	v.SetDefault("directory.notify_buffer", 16)
	v.SetDefault("directory.notice_buffer", 256)
	v.SetDefault("directory.unsubscribe_on_put", true)
	v.SetDefault("directory.record_ttl", "0s")
	v.SetDefault("directory.sweep_interval", "0s")

	// Storage defaults
	v.SetDefault("storage.backend", "memory")

	// Cluster defaults
	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.node_id", "")
	v.SetDefault("cluster.advertise_addr", "")
	v.SetDefault("cluster.seeds", []string{})
	v.SetDefault("cluster.membership", MembershipStatic)
	v.SetDefault("cluster.heartbeat_interval", "1s")
	v.SetDefault("cluster.heartbeat_ttl", "10s")
	v.SetDefault("cluster.request_timeout", "5s")
	v.SetDefault("cluster.conn_idle_timeout", "5m")
	v.SetDefault("cluster.raft.bind_addr", "")
	v.SetDefault("cluster.raft.data_dir", "./raft")
	v.SetDefault("cluster.raft.bootstrap", false)
	v.SetDefault("cluster.raft.join_timeout", "1m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "handoffd")
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	// Validate port ranges
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if config.Directory.DefaultTimeout <= 0 {
		return fmt.Errorf("directory.default_timeout must be positive")
	}
	if config.Directory.RecordTTL < 0 {
		return fmt.Errorf("directory.record_ttl must not be negative")
	}

	switch config.Storage.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("storage.backend must be memory or badger, got %q", config.Storage.Backend)
	}

	switch strings.ToLower(config.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", config.Logging.Format)
	}

	if config.Tracing.Enabled {
		switch config.Tracing.Exporter {
		case "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be stdout or otlp, got %q", config.Tracing.Exporter)
		}
	}

	if config.Cluster.Enabled {
		if config.Cluster.NodeID == "" {
			return fmt.Errorf("cluster.node_id is required when clustering is enabled")
		}
		if config.Cluster.AdvertiseAddr == "" {
			host := config.Server.Host
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = "localhost"
			}
			config.Cluster.AdvertiseAddr = net.JoinHostPort(host, strconv.Itoa(config.Server.Port))
		}
		switch config.Cluster.Membership {
		case MembershipStatic:
		case MembershipRaft:
			config.Cluster.Raft.DataDir = filepath.Clean(config.Cluster.Raft.DataDir)
			if config.Cluster.Raft.BindAddr == "" {
				config.Cluster.Raft.BindAddr = fmt.Sprintf("localhost:%d", config.Server.Port+1000)
			}
		default:
			return fmt.Errorf("cluster.membership must be static or raft, got %q", config.Cluster.Membership)
		}
		if config.Cluster.HeartbeatTTL > 0 && config.Cluster.HeartbeatTTL <= config.Cluster.HeartbeatInterval {
			return fmt.Errorf("cluster.heartbeat_ttl must exceed cluster.heartbeat_interval")
		}
	}

	return nil
}

// GetDefaultConfig returns a default configuration
func GetDefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	_ = validateConfig(&config)

	return &config
}
