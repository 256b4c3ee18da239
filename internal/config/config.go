// Package config loads ctlflow's YAML configuration.
//
// Values are resolved in order: built-in defaults, the YAML file, then
// CTLFLOW_* environment variables. The result is validated before use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportMQTT = "mqtt"
	TransportNATS = "nats"
	TransportEMQX = "emqx"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	IDGen     IDGenConfig     `yaml:"idgen"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ack       AckConfig       `yaml:"ack"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retention RetentionConfig `yaml:"retention"`
	Redis     RedisConfig     `yaml:"redis"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig selects the task registry backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

type TransportConfig struct {
	Kind string     `yaml:"kind"`
	MQTT MQTTConfig `yaml:"mqtt"`
	NATS NATSConfig `yaml:"nats"`
	EMQX EMQXConfig `yaml:"emqx"`
}

// MQTTConfig configures the direct broker connection.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            int           `yaml:"qos"`
	AckTopic       string        `yaml:"ack_topic"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxReconnect   time.Duration `yaml:"max_reconnect"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	SubjectPrefix string `yaml:"subject_prefix"`
	AckSubject    string `yaml:"ack_subject"`
	JetStream     bool   `yaml:"jetstream"`
}

// EMQXConfig points at the broker's REST publish endpoint.
type EMQXConfig struct {
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	QoS      int           `yaml:"qos"`
	Timeout  time.Duration `yaml:"timeout"`
}

type IDGenConfig struct {
	MaxRetries   int `yaml:"max_retries"`
	TaskIDLength int `yaml:"task_id_length"`
}

type SchedulerConfig struct {
	Tick     time.Duration `yaml:"tick"`
	Timezone string        `yaml:"timezone"`
}

// AckConfig bounds how long a task may stay SENT, and how long it may stay
// PENDING before it is treated as abandoned by a crashed handoff.
type AckConfig struct {
	Deadline        time.Duration `yaml:"deadline"`
	PendingDeadline time.Duration `yaml:"pending_deadline"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

type DispatchConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// RetentionConfig controls purging of finished tasks. A zero MaxAge keeps
// everything.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`
	Interval time.Duration `yaml:"interval"`
}

// RedisConfig enables a namespace shared between ctlflow instances. Empty
// Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type InfluxDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     uint          `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type APIConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Load reads the file at path. An empty path yields the defaults with
// environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:ctlflow.db?cache=shared&mode=rwc&_pragma=journal_mode(WAL)",
		},
		Transport: TransportConfig{
			Kind: TransportMQTT,
			MQTT: MQTTConfig{
				Broker:         "tcp://localhost:1883",
				ClientID:       "ctlflow",
				QoS:            1,
				AckTopic:       "/+/+/+/ack",
				ConnectTimeout: 10 * time.Second,
				PublishTimeout: 5 * time.Second,
				ReconnectDelay: time.Second,
				MaxReconnect:   time.Minute,
			},
			NATS: NATSConfig{
				URL:           "nats://localhost:4222",
				Name:          "ctlflow",
				SubjectPrefix: "ctl.cmd",
				AckSubject:    "ctl.ack.>",
			},
			EMQX: EMQXConfig{
				URL:     "http://localhost:8081/api/v4/mqtt/publish",
				QoS:     1,
				Timeout: 10 * time.Second,
			},
		},
		IDGen: IDGenConfig{
			MaxRetries:   16,
			TaskIDLength: 16,
		},
		Scheduler: SchedulerConfig{
			Tick:     time.Second,
			Timezone: "UTC",
		},
		Ack: AckConfig{
			Deadline:        5 * time.Minute,
			PendingDeadline: 2 * time.Minute,
			SweepInterval:   30 * time.Second,
		},
		Dispatch: DispatchConfig{Concurrency: 16},
		Retention: RetentionConfig{
			Interval: time.Hour,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: time.Second,
		},
		API: APIConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// applyEnvOverrides follows the pattern CTLFLOW_SECTION_KEY.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CTLFLOW_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CTLFLOW_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("CTLFLOW_TRANSPORT_KIND"); v != "" {
		cfg.Transport.Kind = v
	}
	if v := os.Getenv("CTLFLOW_MQTT_BROKER"); v != "" {
		cfg.Transport.MQTT.Broker = v
	}
	if v := os.Getenv("CTLFLOW_MQTT_USERNAME"); v != "" {
		cfg.Transport.MQTT.Username = v
	}
	if v := os.Getenv("CTLFLOW_MQTT_PASSWORD"); v != "" {
		cfg.Transport.MQTT.Password = v
	}
	if v := os.Getenv("CTLFLOW_NATS_URL"); v != "" {
		cfg.Transport.NATS.URL = v
	}
	if v := os.Getenv("CTLFLOW_EMQX_URL"); v != "" {
		cfg.Transport.EMQX.URL = v
	}
	if v := os.Getenv("CTLFLOW_EMQX_USERNAME"); v != "" {
		cfg.Transport.EMQX.Username = v
	}
	if v := os.Getenv("CTLFLOW_EMQX_PASSWORD"); v != "" {
		cfg.Transport.EMQX.Password = v
	}

	if v := os.Getenv("CTLFLOW_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CTLFLOW_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("CTLFLOW_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("CTLFLOW_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("CTLFLOW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CTLFLOW_ACK_PENDING_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ack.PendingDeadline = d
		}
	}
	if v := os.Getenv("CTLFLOW_DISPATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.Concurrency = n
		}
	}
}

func (c *Config) Validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "database.driver must be sqlite or postgres")
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}

	switch c.Transport.Kind {
	case TransportMQTT:
		if c.Transport.MQTT.Broker == "" {
			errs = append(errs, "transport.mqtt.broker is required")
		}
		if c.Transport.MQTT.QoS < 0 || c.Transport.MQTT.QoS > 2 {
			errs = append(errs, "transport.mqtt.qos must be 0, 1, or 2")
		}
	case TransportNATS:
		if c.Transport.NATS.URL == "" {
			errs = append(errs, "transport.nats.url is required")
		}
		if c.Transport.NATS.SubjectPrefix == "" {
			errs = append(errs, "transport.nats.subject_prefix is required")
		}
	case TransportEMQX:
		if c.Transport.EMQX.URL == "" {
			errs = append(errs, "transport.emqx.url is required")
		}
		if c.Transport.EMQX.QoS < 0 || c.Transport.EMQX.QoS > 2 {
			errs = append(errs, "transport.emqx.qos must be 0, 1, or 2")
		}
	default:
		errs = append(errs, fmt.Sprintf("transport.kind %q must be mqtt, nats, or emqx", c.Transport.Kind))
	}

	if c.IDGen.MaxRetries < 1 {
		errs = append(errs, "idgen.max_retries must be positive")
	}
	if c.IDGen.TaskIDLength < 8 {
		errs = append(errs, "idgen.task_id_length must be at least 8")
	}
	if c.Scheduler.Tick <= 0 {
		errs = append(errs, "scheduler.tick must be positive")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("scheduler.timezone %q: %v", c.Scheduler.Timezone, err))
	}
	if c.Ack.Deadline <= 0 || c.Ack.SweepInterval <= 0 {
		errs = append(errs, "ack.deadline and ack.sweep_interval must be positive")
	}
	if c.Ack.PendingDeadline <= 0 {
		errs = append(errs, "ack.pending_deadline must be positive")
	}
	if c.Dispatch.Concurrency < 1 {
		errs = append(errs, "dispatch.concurrency must be positive")
	}
	if c.Retention.MaxAge < 0 {
		errs = append(errs, "retention.max_age cannot be negative")
	}
	if c.Retention.MaxAge > 0 && c.Retention.Interval <= 0 {
		errs = append(errs, "retention.interval must be positive when retention is enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when enabled")
	}
	if c.API.Addr == "" {
		errs = append(errs, "api.addr is required")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		errs = append(errs, "logging.format must be console or json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location returns the scheduler's time zone. Validate has already checked
// that it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
