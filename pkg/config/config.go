// Package config loads and validates the batch orchestrator configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir is the default directory for experiment results.
	DefaultResultsDir = "./results"

	// DefaultTimeLimit is the default per-job wall clock limit.
	DefaultTimeLimit = "01:00:00"

	// DefaultRuns is the default number of runs per benchmark.
	DefaultRuns = 10

	// DefaultThreads is the default thread count for the OpenMP baseline.
	DefaultThreads = 16

	// DefaultSize is the default dataset size label.
	DefaultSize = "small"

	// DefaultTolerance is the default relative checksum tolerance.
	DefaultTolerance = 0.01

	// DefaultPollInterval is the default scheduler poll interval.
	DefaultPollInterval = 10 * time.Second

	// DefaultSubmitRate caps sbatch submissions per second so large batches
	// do not hammer the scheduler controller.
	DefaultSubmitRate = 5.0

	// DefaultSubmitBurst is the submission rate limiter burst size.
	DefaultSubmitBurst = 10

	// DefaultPerfInterval is the default perf stat sampling interval.
	DefaultPerfInterval = 100 * time.Millisecond
)

// Config is the root configuration for slurmbench.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Slurm      SlurmConfig      `yaml:"slurm" mapstructure:"slurm"`
	Benchmark  BenchmarkConfig  `yaml:"benchmark" mapstructure:"benchmark"`
	Benchmarks []BenchmarkEntry `yaml:"benchmarks" mapstructure:"benchmarks"`
	Upload     *UploadConfig    `yaml:"upload,omitempty" mapstructure:"upload"`
	History    HistoryConfig    `yaml:"history" mapstructure:"history"`
	Metadata   MetadataConfig   `yaml:"metadata" mapstructure:"metadata"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// SlurmConfig contains scheduler-facing settings.
type SlurmConfig struct {
	Partition    string        `yaml:"partition,omitempty" mapstructure:"partition"`
	Account      string        `yaml:"account,omitempty" mapstructure:"account"`
	TimeLimit    string        `yaml:"time_limit" mapstructure:"time_limit"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	SubmitRate   float64       `yaml:"submit_rate" mapstructure:"submit_rate"`
	SubmitBurst  int           `yaml:"submit_burst" mapstructure:"submit_burst"`
}

// BenchmarkConfig contains settings shared by all benchmark units.
type BenchmarkConfig struct {
	ResultsDir   string        `yaml:"results_dir" mapstructure:"results_dir"`
	Runs         int           `yaml:"runs" mapstructure:"runs"`
	NodeCounts   []int         `yaml:"node_counts" mapstructure:"node_counts"`
	Threads      int           `yaml:"threads" mapstructure:"threads"`
	Size         string        `yaml:"size" mapstructure:"size"`
	Tolerance    float64       `yaml:"tolerance" mapstructure:"tolerance"`
	GDB          bool          `yaml:"gdb" mapstructure:"gdb"`
	Perf         bool          `yaml:"perf" mapstructure:"perf"`
	PerfInterval time.Duration `yaml:"perf_interval" mapstructure:"perf_interval"`
}

// BenchmarkEntry describes one benchmark under comparison.
type BenchmarkEntry struct {
	Name           string `yaml:"name" mapstructure:"name"`
	ExecutableArts string `yaml:"executable_arts" mapstructure:"executable_arts"`
	ExecutableOmp  string `yaml:"executable_omp,omitempty" mapstructure:"executable_omp"`
	ConfigPath     string `yaml:"config,omitempty" mapstructure:"config"`
	Port           string `yaml:"port,omitempty" mapstructure:"port"`
}

// UploadConfig holds optional result upload destinations.
type UploadConfig struct {
	S3 *S3Config `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3Config configures upload to S3-compatible storage.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style,omitempty" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
}

// HistoryConfig configures the local experiment history database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path,omitempty" mapstructure:"path"`
}

// MetadataConfig carries caller-supplied context recorded into reports.
type MetadataConfig struct {
	Labels map[string]string `yaml:"labels,omitempty" mapstructure:"labels"`
}

// Load reads a configuration file, applying environment variable overrides
// with the SLURMBENCH_ prefix (e.g. SLURMBENCH_BENCHMARK_RESULTS_DIR).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SLURMBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers scalar defaults with viper. Registering the keys is
// also what makes AutomaticEnv overrides visible to Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("slurm.time_limit", DefaultTimeLimit)
	v.SetDefault("slurm.poll_interval", DefaultPollInterval.String())
	v.SetDefault("slurm.submit_rate", DefaultSubmitRate)
	v.SetDefault("slurm.submit_burst", DefaultSubmitBurst)
	v.SetDefault("benchmark.results_dir", DefaultResultsDir)
	v.SetDefault("benchmark.runs", DefaultRuns)
	v.SetDefault("benchmark.threads", DefaultThreads)
	v.SetDefault("benchmark.size", DefaultSize)
	v.SetDefault("benchmark.tolerance", DefaultTolerance)
	v.SetDefault("benchmark.perf_interval", DefaultPerfInterval.String())
}

// applyDefaults sets values viper cannot default (non-scalar fields).
func (c *Config) applyDefaults() {
	if len(c.Benchmark.NodeCounts) == 0 {
		c.Benchmark.NodeCounts = []int{1}
	}

	if c.History.Enabled && c.History.Path == "" {
		c.History.Path = "slurmbench-history.db"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Benchmarks) == 0 {
		return fmt.Errorf("at least one benchmark must be configured")
	}

	seen := make(map[string]struct{}, len(c.Benchmarks))

	for i, b := range c.Benchmarks {
		if b.Name == "" {
			return fmt.Errorf("benchmark %d: name is required", i)
		}

		if _, exists := seen[b.Name]; exists {
			return fmt.Errorf("benchmark %d: duplicate name %q", i, b.Name)
		}

		seen[b.Name] = struct{}{}

		if b.ExecutableArts == "" {
			return fmt.Errorf("benchmark %q: executable_arts is required", b.Name)
		}
	}

	if c.Benchmark.Runs < 1 {
		return fmt.Errorf("benchmark.runs must be positive, got %d", c.Benchmark.Runs)
	}

	for _, n := range c.Benchmark.NodeCounts {
		if n < 1 {
			return fmt.Errorf("benchmark.node_counts entries must be positive, got %d", n)
		}
	}

	if c.Benchmark.Threads < 1 {
		return fmt.Errorf("benchmark.threads must be positive, got %d", c.Benchmark.Threads)
	}

	if c.Benchmark.Tolerance < 0 {
		return fmt.Errorf("benchmark.tolerance must not be negative, got %g", c.Benchmark.Tolerance)
	}

	if c.Benchmark.GDB && c.Benchmark.Perf {
		return fmt.Errorf("benchmark.gdb and benchmark.perf are mutually exclusive")
	}

	if c.Slurm.PollInterval <= 0 {
		return fmt.Errorf("slurm.poll_interval must be positive, got %s", c.Slurm.PollInterval)
	}

	if c.Upload != nil && c.Upload.S3 != nil && c.Upload.S3.Enabled && c.Upload.S3.Bucket == "" {
		return fmt.Errorf("upload.s3.bucket is required when S3 upload is enabled")
	}

	return nil
}
