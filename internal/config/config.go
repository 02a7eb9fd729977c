package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"

	"outflow/internal/queue"
	"outflow/internal/scheduler"
)

const EnvPrefix = "OUTFLOW_"

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Worker   WorkerConfig   `yaml:"worker"`
	Limits   LimitConfig    `yaml:"limits"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Redis    RedisConfig    `yaml:"redis"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type WorkerConfig struct {
	Count             int           `yaml:"count"`
	TenantID          string        `yaml:"tenant_id"`
	Name              string        `yaml:"name"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	DeferralWindow    time.Duration `yaml:"deferral_window"`
	AdmissionRetry    time.Duration `yaml:"admission_retry"`
	BatchSize         int           `yaml:"batch_size"`
	BatchPause        time.Duration `yaml:"batch_pause"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	DefaultRegion     string        `yaml:"default_region"`
}

type LimitConfig struct {
	DailyCap  int     `yaml:"daily_cap"` // 0 is unlimited
	SendRate  float64 `yaml:"send_rate"` // sends per second across the process, 0 is unlimited
	SendBurst int     `yaml:"send_burst"`
}

// GatewayConfig selects the delivery provider. An empty URL logs instead of sending.
type GatewayConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig enables the Redis daily counter when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AMQPConfig enables delivery record publishing when URL is set.
type AMQPConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

type ScheduleConfig struct {
	Activate string `yaml:"activate"`
	Reap     string `yaml:"reap"`
	Refresh  string `yaml:"refresh"`
}

func Default() Config {
	specs := scheduler.DefaultSpecs()
	return Config{
		HTTP:  HTTPConfig{Addr: ":8080", ShutdownTimeout: 15 * time.Second},
		Log:   LogConfig{Level: "info", Format: "console"},
		Store: StoreConfig{Driver: queue.DriverSQLite, DSN: "file:outflow.db"},
		Worker: WorkerConfig{
			Count:             4,
			PollInterval:      500 * time.Millisecond,
			HeartbeatInterval: 10 * time.Second,
			StaleAfter:        2 * time.Minute,
			DeferralWindow:    time.Hour,
			AdmissionRetry:    30 * time.Second,
			BackoffBase:       time.Second,
			BackoffMax:        time.Minute,
			DefaultRegion:     "US",
		},
		Limits:   LimitConfig{SendBurst: 1},
		Gateway:  GatewayConfig{Timeout: 10 * time.Second},
		AMQP:     AMQPConfig{Queue: "delivery_records"},
		Schedule: ScheduleConfig{Activate: specs.Activate, Reap: specs.Reap, Refresh: specs.Refresh},
	}
}

// Load builds the configuration from defaults, the optional .env file, the
// optional YAML file and OUTFLOW_* environment variables, in that order.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := decodeYAML(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func decodeYAML(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides cfg with OUTFLOW_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(p *string) func(string) error {
		return func(v string) error { *p = v; return nil }
	}
	num := func(p *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*p = n
			return nil
		}
	}
	dur := func(p *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*p = d
			return nil
		}
	}
	vars := []struct {
		name string
		set  func(string) error
	}{
		{"HTTP_ADDR", str(&cfg.HTTP.Addr)},
		{"LOG_LEVEL", str(&cfg.Log.Level)},
		{"LOG_FORMAT", str(&cfg.Log.Format)},
		{"DB_DRIVER", str(&cfg.Store.Driver)},
		{"DB_DSN", str(&cfg.Store.DSN)},
		{"WORKERS", num(&cfg.Worker.Count)},
		{"TENANT_ID", str(&cfg.Worker.TenantID)},
		{"POLL_INTERVAL", dur(&cfg.Worker.PollInterval)},
		{"STALE_AFTER", dur(&cfg.Worker.StaleAfter)},
		{"DEFAULT_REGION", str(&cfg.Worker.DefaultRegion)},
		{"DAILY_CAP", num(&cfg.Limits.DailyCap)},
		{"SEND_RATE", func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			cfg.Limits.SendRate = f
			return nil
		}},
		{"GATEWAY_URL", str(&cfg.Gateway.URL)},
		{"GATEWAY_TOKEN", str(&cfg.Gateway.Token)},
		{"GATEWAY_TIMEOUT", dur(&cfg.Gateway.Timeout)},
		{"REDIS_ADDR", str(&cfg.Redis.Addr)},
		{"REDIS_PASSWORD", str(&cfg.Redis.Password)},
		{"AMQP_URL", str(&cfg.AMQP.URL)},
		{"AMQP_QUEUE", str(&cfg.AMQP.Queue)},
	}
	for _, v := range vars {
		raw, ok := lookup(EnvPrefix + v.name)
		if !ok {
			continue
		}
		if err := v.set(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, v.name, err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case queue.DriverSQLite, queue.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unsupported %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: want console or json, got %q", c.Log.Format))
	}
	if c.Worker.Count <= 0 {
		errs = append(errs, errors.New("worker.count must be positive"))
	}
	if c.Worker.PollInterval <= 0 || c.Worker.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval and worker.heartbeat_interval must be positive"))
	}
	if c.Worker.StaleAfter <= c.Worker.HeartbeatInterval {
		errs = append(errs, errors.New("worker.stale_after must exceed worker.heartbeat_interval"))
	}
	if c.Worker.BackoffMax < c.Worker.BackoffBase {
		errs = append(errs, errors.New("worker.backoff_max must not be below worker.backoff_base"))
	}
	if c.Limits.DailyCap < 0 || c.Limits.SendRate < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	for name, spec := range map[string]string{
		"schedule.activate": c.Schedule.Activate,
		"schedule.reap":     c.Schedule.Reap,
		"schedule.refresh":  c.Schedule.Refresh,
	} {
		if spec == "" {
			continue
		}
		if err := scheduler.ValidateCronExpression(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (c Config) SchedulerSpecs() scheduler.Specs {
	return scheduler.Specs{Activate: c.Schedule.Activate, Reap: c.Schedule.Reap, Refresh: c.Schedule.Refresh}
}
