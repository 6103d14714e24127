package store

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jacentio/docmap/adapter/dynamo"
)

const (
	// MaxPartitionCount bounds Config.PartitionCount.
	MaxPartitionCount = 256

	// MaxBatchSize is the largest id group fetched per BatchGet.
	MaxBatchSize = 100
)

// Config holds configuration for the Store.
type Config struct {
	// Namespace prefixes every table name as "<namespace>_<model>".
	// Default: "docmap"
	Namespace string `mapstructure:"namespace" validate:"max=128"`

	// Partitioning spreads every hash key over PartitionCount partitions by
	// storing it as "<hash>.<n>". Hash-key queries then fan out over all
	// partitions. It cannot be combined with Chain.Batch.
	Partitioning bool `mapstructure:"partitioning"`

	// PartitionCount is the number of partitions when Partitioning is on.
	// Default: 200
	// Max: 256
	PartitionCount int `mapstructure:"partition_count" validate:"gte=0"`

	// ReadCapacity and WriteCapacity are the provisioned throughput of
	// created tables. Zero for either selects on-demand billing.
	// Defaults: 100 and 20
	ReadCapacity  int64 `mapstructure:"read_capacity" validate:"gte=0"`
	WriteCapacity int64 `mapstructure:"write_capacity" validate:"gte=0"`

	// BatchSize is the default id group size of index lookups.
	// Default: 100
	BatchSize int `mapstructure:"batch_size" validate:"gte=0"`

	// WarnOnScan logs a warning for every query that falls back to a table scan.
	// Default: true
	WarnOnScan bool `mapstructure:"warn_on_scan"`

	AWS dynamo.Options `mapstructure:"aws"`
	Log LogConfig      `mapstructure:"log"`
}

// LogConfig configures NewLogger.
type LogConfig struct {
	// Level is a zerolog level name. Default: "info"
	Level string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`

	// Format is "json" or "console". Default: "json"
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
}

// DefaultConfig returns sensible defaults for a local setup.
func DefaultConfig() Config {
	return Config{
		Namespace:      "docmap",
		PartitionCount: 200,
		ReadCapacity:   100,
		WriteCapacity:  20,
		BatchSize:      MaxBatchSize,
		WarnOnScan:     true,
		AWS:            dynamo.Options{Region: "us-east-1"},
		Log:            LogConfig{Level: "info", Format: "json"},
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.PartitionCount < 1 {
		c.PartitionCount = 1
	}
	if c.PartitionCount > MaxPartitionCount {
		c.PartitionCount = MaxPartitionCount
	}
	if c.BatchSize < 1 || c.BatchSize > MaxBatchSize {
		c.BatchSize = MaxBatchSize
	}
	if c.ReadCapacity < 0 {
		c.ReadCapacity = 0
	}
	if c.WriteCapacity < 0 {
		c.WriteCapacity = 0
	}
}

// partitions returns the partition count in effect, or 0 when partitioning is off.
func (c *Config) partitions() int {
	if !c.Partitioning {
		return 0
	}
	return c.PartitionCount
}

// LoadConfig reads configuration from an optional file and DOCMAP_* environment
// variables, after loading a .env file from the working directory if present.
// Nested keys use underscores in the environment: DOCMAP_AWS_REGION.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DOCMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	cfg.validate()
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("namespace", d.Namespace)
	v.SetDefault("partitioning", d.Partitioning)
	v.SetDefault("partition_count", d.PartitionCount)
	v.SetDefault("read_capacity", d.ReadCapacity)
	v.SetDefault("write_capacity", d.WriteCapacity)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("warn_on_scan", d.WarnOnScan)
	v.SetDefault("aws.region", d.AWS.Region)
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}
