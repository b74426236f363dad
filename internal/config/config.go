// Package config loads geoxfer's layered configuration: defaults, an
// optional project .env file, user and project YAML files, GEOXFER_
// environment variables and runtime overrides, in increasing precedence.
package config

import (
	"time"
)

// Identity names the application for env prefixes and config paths.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is geoxfer's identity.
var DefaultIdentity = Identity{
	BinaryName: "geoxfer",
	EnvPrefix:  "GEOXFER_",
	ConfigName: "geoxfer",
}

// Config is the fully resolved configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Health    HealthConfig     `mapstructure:"health"`
	Debug     DebugConfig      `mapstructure:"debug"`
	Workers   int              `mapstructure:"workers"`
	DataDir   string           `mapstructure:"data_dir"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Import    ImportConfig     `mapstructure:"import"`
	Steps     StepsConfig      `mapstructure:"steps"`
	Store     StoreConfig      `mapstructure:"store"`
	Objects   ObjectsConfig    `mapstructure:"objectstore"`
	Databases []DatabaseConfig `mapstructure:"databases"`
	Cache     CacheConfig      `mapstructure:"cache"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// SchedulerConfig tunes the orchestration loop.
type SchedulerConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// HeartbeatRate caps execution-state inspections per second across all
	// jobs; zero disables the cap.
	HeartbeatRate   float64       `mapstructure:"heartbeat_rate"`
	UnknownGrace    time.Duration `mapstructure:"unknown_grace"`
	FinalizeRetries int           `mapstructure:"finalize_retries"`
	FinalizeBackoff time.Duration `mapstructure:"finalize_backoff"`
	GCInterval      time.Duration `mapstructure:"gc_interval"`
}

// ImportConfig tunes import jobs and the file admission queue.
type ImportConfig struct {
	// MaxInflightBytes is the admission ceiling in bytes. Accepts sizes such
	// as "8GB" or "512MiB".
	MaxInflightBytes     ByteSize `mapstructure:"max_inflight_bytes"`
	CompressedMultiplier int64    `mapstructure:"compressed_multiplier"`
	DefaultSchema        string   `mapstructure:"default_schema"`
	Include              []string `mapstructure:"include"`
	Region               string   `mapstructure:"region"`

	// Timeout bounds the import of a single file.
	Timeout time.Duration `mapstructure:"timeout"`
}

// StepsConfig configures step execution.
type StepsConfig struct {
	CallbackChannel string        `mapstructure:"callback_channel"`
	SyncTimeout     time.Duration `mapstructure:"sync_timeout"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	WorkDir         string        `mapstructure:"work_dir"`

	// ProcessCapacity is the number of units local processes may claim.
	ProcessCapacity float64 `mapstructure:"process_capacity"`
}

// StoreConfig selects the job store.
type StoreConfig struct {
	// Driver is "sql" or "file".
	Driver    string        `mapstructure:"driver"`
	Path      string        `mapstructure:"path"`
	URL       string        `mapstructure:"url"`
	AuthToken string        `mapstructure:"auth_token"`
	Retention time.Duration `mapstructure:"retention"`
}

// ObjectsConfig selects the object store.
type ObjectsConfig struct {
	// Provider is "s3" or "file".
	Provider       string        `mapstructure:"provider"`
	Bucket         string        `mapstructure:"bucket"`
	Region         string        `mapstructure:"region"`
	Endpoint       string        `mapstructure:"endpoint"`
	Profile        string        `mapstructure:"profile"`
	ForcePathStyle bool          `mapstructure:"force_path_style"`
	BaseDir        string        `mapstructure:"base_dir"`
	PresignTTL     time.Duration `mapstructure:"presign_ttl"`
}

// DatabaseConfig is one PostgreSQL resource.
type DatabaseConfig struct {
	ID           string        `mapstructure:"id"`
	DSN          string        `mapstructure:"dsn"`
	Capacity     float64       `mapstructure:"capacity"`
	MaxConns     int32         `mapstructure:"max_conns"`
	AsyncTimeout time.Duration `mapstructure:"async_timeout"`
}

// CacheConfig configures the status read cache.
type CacheConfig struct {
	LocalTTL time.Duration `mapstructure:"local_ttl"`
	TTL      time.Duration `mapstructure:"ttl"`

	// Shared adds a tier in the SQL job store so several processes share
	// cached reads.
	Shared bool `mapstructure:"shared"`
}
