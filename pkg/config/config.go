package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethpandaops/dbbenchoor/pkg/canonical"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "DBBENCHOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultWorkDir is where launched processes run and leave their reports.
	DefaultWorkDir = "."

	// DefaultListen is the default API listen address.
	DefaultListen = ":3001"

	// DefaultSQLitePath is the default result store file.
	DefaultSQLitePath = "dbbenchoor.db"

	// DefaultNotifyBuffer is the per-observer envelope buffer.
	DefaultNotifyBuffer = 16

	// DefaultRedisChannel is the pub/sub channel used for relaying envelopes.
	DefaultRedisChannel = "dbbenchoor:results"

	// DefaultBatchSize is the insert batch size used when seeding.
	DefaultBatchSize = 1000

	// DefaultRunRequestsPerMinute limits run submissions per client IP.
	DefaultRunRequestsPerMinute = 6
)

// Run defaults, applied when a request leaves a field at zero.
const (
	DefaultClients  = 10
	DefaultThreads  = 2
	DefaultScale    = 100
	DefaultDuration = 60 * time.Second
)

// Launch modes.
const (
	ModeProcess   = "process"
	ModeGenerator = "generator"
)

// Generator drivers.
const (
	DriverMongo    = "mongodb"
	DriverPostgres = "postgres"
)

// Config is the root configuration for dbbenchoor.
type Config struct {
	Global   GlobalConfig             `yaml:"global" mapstructure:"global"`
	API      APIConfig                `yaml:"api" mapstructure:"api"`
	Database DatabaseConfig           `yaml:"database" mapstructure:"database"`
	Notify   NotifyConfig             `yaml:"notify" mapstructure:"notify"`
	Archive  ArchiveConfig            `yaml:"archive" mapstructure:"archive"`
	Defaults RunDefaults              `yaml:"defaults" mapstructure:"defaults"`
	Targets  map[string]*TargetConfig `yaml:"targets" mapstructure:"targets"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
	WorkDir  string `yaml:"work_dir" mapstructure:"work_dir"`
}

// RunDefaults fill in run parameters a request omitted.
type RunDefaults struct {
	Clients  int           `yaml:"clients" mapstructure:"clients"`
	Threads  int           `yaml:"threads" mapstructure:"threads"`
	Scale    int           `yaml:"scale" mapstructure:"scale"`
	Duration time.Duration `yaml:"duration" mapstructure:"duration"`
}

// NotifyConfig configures result notifications.
type NotifyConfig struct {
	// Buffer is the number of envelopes queued per observer before drops.
	Buffer int         `yaml:"buffer" mapstructure:"buffer"`
	Redis  RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig relays envelopes between dbbenchoor processes.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Address  string `yaml:"address" mapstructure:"address"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Channel  string `yaml:"channel" mapstructure:"channel"`
}

// ArchiveConfig configures long-term storage of raw reports.
type ArchiveConfig struct {
	S3 S3Config `yaml:"s3" mapstructure:"s3"`
}

// S3Config contains S3 settings for raw report archiving.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// TargetConfig describes how to run one database under test.
type TargetConfig struct {
	// Format selects the report parser: pgbench, sysbench or tpcb.
	Format string `yaml:"format" mapstructure:"format"`
	// Mode is "process" (external tool) or "generator" (built-in workload).
	Mode string `yaml:"mode" mapstructure:"mode"`
	// Database overrides the database label recorded for this target.
	Database string `yaml:"database,omitempty" mapstructure:"database"`

	// Command is the process to launch. When empty, Script names one of the
	// embedded scripts, run with bash. In generator mode the process only
	// provisions the database and is optional.
	Command  []string          `yaml:"command,omitempty" mapstructure:"command"`
	Script   string            `yaml:"script,omitempty" mapstructure:"script"`
	Artifact string            `yaml:"artifact,omitempty" mapstructure:"artifact"`
	Env      map[string]string `yaml:"env,omitempty" mapstructure:"env"`

	// Generator settings.
	Driver     string `yaml:"driver,omitempty" mapstructure:"driver"`
	URI        string `yaml:"uri,omitempty" mapstructure:"uri"`
	Name       string `yaml:"name,omitempty" mapstructure:"name"`
	Initialize bool   `yaml:"initialize" mapstructure:"initialize"`
	BatchSize  int    `yaml:"batch_size,omitempty" mapstructure:"batch_size"`
}

// Provisions reports whether a process must run before the generator.
func (t *TargetConfig) Provisions() bool {
	return len(t.Command) > 0 || t.Script != ""
}

// Load reads and merges configuration files in order, then applies
// environment overrides. With no paths only defaults and env are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every default with viper so each key can be
// overridden from the environment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.work_dir", DefaultWorkDir)

	v.SetDefault("api.listen", DefaultListen)
	v.SetDefault("api.cors_origins", []string{})
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_minute", DefaultRunRequestsPerMinute)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "dbbenchoor")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("notify.buffer", DefaultNotifyBuffer)
	v.SetDefault("notify.redis.enabled", false)
	v.SetDefault("notify.redis.address", "localhost:6379")
	v.SetDefault("notify.redis.password", "")
	v.SetDefault("notify.redis.db", 0)
	v.SetDefault("notify.redis.channel", DefaultRedisChannel)

	v.SetDefault("archive.s3.enabled", false)
	v.SetDefault("archive.s3.endpoint_url", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.prefix", "raw")
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")
	v.SetDefault("archive.s3.force_path_style", false)

	v.SetDefault("defaults.clients", DefaultClients)
	v.SetDefault("defaults.threads", DefaultThreads)
	v.SetDefault("defaults.scale", DefaultScale)
	v.SetDefault("defaults.duration", DefaultDuration)

	v.SetDefault("targets.postgres.format", string(canonical.FormatPgbench))
	v.SetDefault("targets.postgres.mode", ModeProcess)
	v.SetDefault("targets.postgres.script", "pgbench.sh")
	v.SetDefault("targets.postgres.artifact", "pgbench_results.log")

	v.SetDefault("targets.mysql.format", string(canonical.FormatSysbench))
	v.SetDefault("targets.mysql.mode", ModeProcess)
	v.SetDefault("targets.mysql.script", "sysbench.sh")
	v.SetDefault("targets.mysql.artifact", "sysbench_results.log")

	v.SetDefault("targets.mongodb.format", string(canonical.FormatTPCB))
	v.SetDefault("targets.mongodb.mode", ModeGenerator)
	v.SetDefault("targets.mongodb.script", "mongo.sh")
	v.SetDefault("targets.mongodb.driver", DriverMongo)
	v.SetDefault("targets.mongodb.uri", "mongodb://localhost:27017/?replicaSet=rs0")
	v.SetDefault("targets.mongodb.name", "benchmark")
	v.SetDefault("targets.mongodb.initialize", true)
	v.SetDefault("targets.mongodb.batch_size", DefaultBatchSize)
}

// applyDefaults fills values viper cannot default, such as entries of
// user-defined targets.
func (c *Config) applyDefaults() {
	if c.Targets == nil {
		c.Targets = make(map[string]*TargetConfig, 3)
	}

	for _, t := range c.Targets {
		if t.Mode == "" {
			t.Mode = ModeProcess
		}

		if t.BatchSize <= 0 {
			t.BatchSize = DefaultBatchSize
		}
	}

	if c.Notify.Buffer <= 0 {
		c.Notify.Buffer = DefaultNotifyBuffer
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Defaults.Clients < 1 || c.Defaults.Threads < 1 || c.Defaults.Scale < 1 {
		return fmt.Errorf("defaults: clients, threads and scale must be at least 1")
	}

	if c.Defaults.Duration < time.Second {
		return fmt.Errorf("defaults: duration must be at least 1s")
	}

	if c.Defaults.Duration%time.Second != 0 {
		return fmt.Errorf("defaults: duration must be whole seconds, got %s", c.Defaults.Duration)
	}

	if c.Notify.Redis.Enabled && c.Notify.Redis.Address == "" {
		return fmt.Errorf("notify.redis: address is required when enabled")
	}

	if c.Archive.S3.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3: bucket is required when enabled")
	}

	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target must be configured")
	}

	for name, t := range c.Targets {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("target %q: %w", name, err)
		}
	}

	return nil
}

// Validate checks one target for errors.
func (t *TargetConfig) Validate() error {
	if _, err := canonical.NewParser(canonical.Format(t.Format)); err != nil {
		return err
	}

	switch t.Mode {
	case ModeProcess:
		if !t.Provisions() {
			return fmt.Errorf("command or script is required in process mode")
		}

		if t.Artifact == "" {
			return fmt.Errorf("artifact is required in process mode")
		}
	case ModeGenerator:
		if canonical.Format(t.Format) != canonical.FormatTPCB {
			return fmt.Errorf("generator mode produces %q reports, got format %q",
				canonical.FormatTPCB, t.Format)
		}

		switch t.Driver {
		case DriverMongo, DriverPostgres:
		default:
			return fmt.Errorf("unknown generator driver %q", t.Driver)
		}

		if t.URI == "" {
			return fmt.Errorf("uri is required in generator mode")
		}
	default:
		return fmt.Errorf("unknown mode %q", t.Mode)
	}

	return nil
}

// Target returns the named target configuration.
func (c *Config) Target(name string) (*TargetConfig, bool) {
	t, ok := c.Targets[strings.ToLower(name)]

	return t, ok
}
