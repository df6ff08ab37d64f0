// Package config loads executive settings from defaults, an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kolkov/specpriv/internal/specpriv/heap"
	"github.com/kolkov/specpriv/internal/specpriv/shadow"
	"github.com/kolkov/specpriv/internal/specpriv/versioning"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SPECPRIV"

// MaxWorkers bounds the worker count of one invocation.
const MaxWorkers = 64

const (
	gb = 1 << 30

	defaultWorkers       = 2
	defaultHeapSize      = 1 * gb
	defaultMaxCheckpoint = 3 * gb
)

// Join strategies.
const (
	JoinWait = "wait"
	JoinSpin = "spin"
)

// Committer policies: who combines checkpoints while workers run.
const (
	CommitSlowest = "slowest"
	CommitFastest = "fastest"
)

// Affinity policies.
const (
	AffinityNone        = "none"
	AffinityPin         = "pin"
	AffinityPinSkipZero = "pin-skip-zero"
)

// Versioning configures page versioning of the shared heap.
type Versioning struct {
	Shared   bool   `mapstructure:"shared" yaml:"shared"`
	Strategy string `mapstructure:"strategy" yaml:"strategy"`
}

// Config holds every executive setting.
type Config struct {
	Workers            int        `mapstructure:"workers" yaml:"workers"`
	Granularity        int        `mapstructure:"granularity" yaml:"granularity"`
	MaxCheckpointBytes uint64     `mapstructure:"max_checkpoint_bytes" yaml:"max_checkpoint_bytes"`
	HeapSize           uint64     `mapstructure:"heap_size" yaml:"heap_size"`
	ShmDir             string     `mapstructure:"shm_dir" yaml:"shm_dir"`
	Join               string     `mapstructure:"join" yaml:"join"`
	Committer          string     `mapstructure:"committer" yaml:"committer"`
	Affinity           string     `mapstructure:"affinity" yaml:"affinity"`
	Versioning         Versioning `mapstructure:"versioning" yaml:"versioning"`
	LogLevel           string     `mapstructure:"log_level" yaml:"log_level"`
	DebugMisspec       bool       `mapstructure:"debug_misspec" yaml:"debug_misspec"`

	// SimulateMisspecIter forces a misspeculation at that iteration. Negative disables it.
	SimulateMisspecIter int64 `mapstructure:"simulate_misspec_iter" yaml:"simulate_misspec_iter"`

	loadedFrom string
}

// SetDefaults installs the default of every key in v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workers", defaultWorkers)
	v.SetDefault("granularity", 0)
	v.SetDefault("max_checkpoint_bytes", uint64(defaultMaxCheckpoint))
	v.SetDefault("heap_size", uint64(defaultHeapSize))
	v.SetDefault("shm_dir", heap.DefaultDir())
	v.SetDefault("join", JoinWait)
	v.SetDefault("committer", CommitSlowest)
	v.SetDefault("affinity", AffinityNone)
	v.SetDefault("versioning.shared", false)
	v.SetDefault("versioning.strategy", versioning.InPlace.String())
	v.SetDefault("log_level", "info")
	v.SetDefault("debug_misspec", false)
	v.SetDefault("simulate_misspec_iter", -1)
}

// New returns a viper instance with defaults and environment binding installed.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// NUM_WORKERS predates the prefix and is still honoured.
	_ = v.BindEnv("workers", EnvPrefix+"_WORKERS", "NUM_WORKERS")
	_ = v.BindEnv("simulate_misspec_iter", EnvPrefix+"_SIMULATE_MISSPEC_ITER", "SIMULATE_MISSPEC_ITER")
	return v
}

// BindFlags binds every flag of fs whose name matches a key, with dashes standing
// for underscores. The flag "versioning" binds versioning.shared.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	keys := make(map[string]bool)
	for _, k := range v.AllKeys() {
		keys[k] = true
	}
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if f.Name == "versioning" {
			key = "versioning.shared"
		}
		if keys[key] {
			errs = append(errs, v.BindPFlag(key, f))
		}
	})
	return errors.Join(errs...)
}

// Load reads path, if not empty, on top of the defaults in v and returns the
// validated configuration.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.loadedFrom = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default configuration with the environment applied.
func Default() (*Config, error) {
	return Load(New(), "")
}

// LoadedFrom returns the file the configuration was read from, or "".
func (c *Config) LoadedFrom() string { return c.loadedFrom }

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 || c.Workers > MaxWorkers {
		errs = append(errs, fmt.Errorf("workers %d: must be in [1, %d]", c.Workers, MaxWorkers))
	}
	if c.Granularity < 0 || c.Granularity > shadow.MaxGranularity {
		errs = append(errs, fmt.Errorf("granularity %d: must be in [0, %d]", c.Granularity, shadow.MaxGranularity))
	}
	if c.HeapSize == 0 || c.HeapSize > heap.OffsetMask {
		errs = append(errs, fmt.Errorf("heap_size %d: out of range", c.HeapSize))
	}
	if c.Join != JoinWait && c.Join != JoinSpin {
		errs = append(errs, fmt.Errorf("join %q: want %s or %s", c.Join, JoinWait, JoinSpin))
	}
	if c.Committer != CommitSlowest && c.Committer != CommitFastest {
		errs = append(errs, fmt.Errorf("committer %q: want %s or %s", c.Committer, CommitSlowest, CommitFastest))
	}
	switch c.Affinity {
	case AffinityNone, AffinityPin, AffinityPinSkipZero:
	default:
		errs = append(errs, fmt.Errorf("affinity %q: unknown policy", c.Affinity))
	}
	if _, err := versioning.ParseStrategy(c.Versioning.Strategy); err != nil {
		errs = append(errs, err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WindowSize returns the checkpoint granularity for workers: the configured value,
// or the largest usable one when it is zero, rounded down to a multiple of workers.
func (c *Config) WindowSize(workers int) int {
	g := c.Granularity
	if g == 0 || g > shadow.MaxGranularity {
		g = shadow.MaxGranularity
	}
	if workers > 0 {
		g -= g % workers
		if g == 0 {
			g = workers
		}
	}
	return g
}

// Strategy returns the parsed versioning strategy.
func (c *Config) Strategy() versioning.Strategy {
	s, _ := versioning.ParseStrategy(c.Versioning.Strategy)
	return s
}

// Dump renders c as YAML.
func (c *Config) Dump() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}

// NewLogger returns a text logger writing to stderr at the configured level.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
