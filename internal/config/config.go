package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full gateway configuration loaded from gateway.yaml with
// FLOWGATE_* environment overrides.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	EventSource EventSourceConfig `mapstructure:"event_source"`
	Thread      ThreadConfig      `mapstructure:"thread"`
	ResultSink  ResultSinkConfig  `mapstructure:"result_sink"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	AdminAddr string `mapstructure:"admin_addr"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BrokerConfig struct {
	Queue string `mapstructure:"queue"`
}

type PostgresConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Event source backends.
const (
	BackendStream = "stream"
	BackendList   = "list"
)

// EventSourceConfig holds every tunable of the streaming core.
type EventSourceConfig struct {
	Backend                               string `mapstructure:"backend"`
	StreamPrefix                          string `mapstructure:"stream_prefix"`
	MaxStreamLength                       int64  `mapstructure:"max_stream_length"`
	ReadCount                             int64  `mapstructure:"read_count"`
	BlockTimeMS                           int    `mapstructure:"block_time_ms"`
	KeepAliveIntervalSeconds              int    `mapstructure:"keep_alive_interval_seconds"`
	MessageQueueMaxSize                   int    `mapstructure:"message_queue_max_size"`
	TimeoutMinutes                        int    `mapstructure:"timeout_minutes"`
	ConnectionMaxDurationMinutes          int    `mapstructure:"connection_max_duration_minutes"`
	StreamCheckIntervalSeconds            int    `mapstructure:"stream_check_interval_seconds"`
	ConnectionTimeoutCheckIntervalSeconds int    `mapstructure:"connection_timeout_check_interval_seconds"`
}

// BlockTime returns the blocking tail timeout as a duration.
func (c EventSourceConfig) BlockTime() time.Duration {
	return time.Duration(c.BlockTimeMS) * time.Millisecond
}

// KeepAliveInterval returns the keep-alive frame period.
func (c EventSourceConfig) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveIntervalSeconds) * time.Second
}

// BusinessTimeout returns the business-message inactivity ceiling. It is also
// the ceiling on waiting for the log to be created.
func (c EventSourceConfig) BusinessTimeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// ConnectionMaxDuration returns the absolute per-connection ceiling.
func (c EventSourceConfig) ConnectionMaxDuration() time.Duration {
	return time.Duration(c.ConnectionMaxDurationMinutes) * time.Minute
}

// StreamCheckInterval returns the poll period while awaiting log creation.
func (c EventSourceConfig) StreamCheckInterval() time.Duration {
	return time.Duration(c.StreamCheckIntervalSeconds) * time.Second
}

// TimeoutCheckInterval returns the timeout monitor period.
func (c EventSourceConfig) TimeoutCheckInterval() time.Duration {
	return time.Duration(c.ConnectionTimeoutCheckIntervalSeconds) * time.Second
}

type ThreadConfig struct {
	TTLSeconds    int `mapstructure:"ttl_seconds"`
	RunTTLSeconds int `mapstructure:"run_ttl_seconds"`
}

// TTL returns the thread metadata retention.
func (c ThreadConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// RunTTL returns the run record retention.
func (c ThreadConfig) RunTTL() time.Duration { return time.Duration(c.RunTTLSeconds) * time.Second }

type ResultSinkConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

func (c ResultSinkConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultPath resolves the config file location from CONFIG_PATH.
func DefaultPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/gateway.yaml"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.admin_addr", ":9090")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("broker.queue", "celery_default_queue")
	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("event_source.backend", BackendStream)
	v.SetDefault("event_source.stream_prefix", "task_agent_execute_stream")
	v.SetDefault("event_source.max_stream_length", 1000)
	v.SetDefault("event_source.read_count", 64)
	v.SetDefault("event_source.block_time_ms", 5000)
	v.SetDefault("event_source.keep_alive_interval_seconds", 15)
	v.SetDefault("event_source.message_queue_max_size", 256)
	v.SetDefault("event_source.timeout_minutes", 2)
	v.SetDefault("event_source.connection_max_duration_minutes", 30)
	v.SetDefault("event_source.stream_check_interval_seconds", 2)
	v.SetDefault("event_source.connection_timeout_check_interval_seconds", 5)
	v.SetDefault("thread.ttl_seconds", 7*24*3600)
	v.SetDefault("thread.run_ttl_seconds", 24*3600)
	v.SetDefault("result_sink.base_url", "")
	v.SetDefault("result_sink.timeout_ms", 5000)
	v.SetDefault("logging.level", "info")
}

// Load reads the configuration file at path. A missing file is not an error;
// defaults plus environment overrides still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FLOWGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	es := c.EventSource
	if es.Backend != BackendStream && es.Backend != BackendList {
		return fmt.Errorf("event_source.backend must be %q or %q", BackendStream, BackendList)
	}
	if es.MaxStreamLength <= 0 {
		return fmt.Errorf("event_source.max_stream_length must be positive")
	}
	if es.ReadCount <= 0 {
		return fmt.Errorf("event_source.read_count must be positive")
	}
	if es.MessageQueueMaxSize <= 0 {
		return fmt.Errorf("event_source.message_queue_max_size must be positive")
	}
	if es.TimeoutMinutes <= 0 || es.ConnectionMaxDurationMinutes <= 0 {
		return fmt.Errorf("event_source timeouts must be positive")
	}
	return nil
}
