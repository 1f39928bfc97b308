package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Query    QueryConfig    `mapstructure:"query"`
	Security SecurityConfig `mapstructure:"security"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	Driver        string   `mapstructure:"driver" validate:"oneof=postgres sqlite mysql"`
	Host          string   `mapstructure:"host" validate:"required_unless=Driver sqlite"`
	Port          int      `mapstructure:"port" validate:"gte=0,lte=65535"`
	User          string   `mapstructure:"user"`
	Password      string   `mapstructure:"password"`
	Name          string   `mapstructure:"name" validate:"required"`
	PoolSize      int      `mapstructure:"pool_size" validate:"gte=0"`
	Path          string   `mapstructure:"path"` // directory for SQLite database files
	ExcludeTables []string `mapstructure:"exclude_tables"`
}

type CacheConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Store       string `mapstructure:"store" validate:"oneof=memory redis"`
	TTL         int    `mapstructure:"ttl" validate:"gte=0"` // seconds, 0 = no expiry
	Size        int    `mapstructure:"size" validate:"gt=0"`
	RedisURL    string `mapstructure:"redis_url" validate:"required_if=Store redis"`
	Namespace   string `mapstructure:"namespace"`
	AutoPurge   bool   `mapstructure:"auto_purge"`
	SchemaCache bool   `mapstructure:"schema_cache"`
}

type QueryConfig struct {
	DefaultLimit       int `mapstructure:"default_limit" validate:"gte=-1"`
	MaxRelationalLimit int `mapstructure:"max_relational_limit" validate:"gt=0"`
	MaxBatchSize       int `mapstructure:"max_batch_size" validate:"gt=0"`
}

// SecurityConfig holds the argon2id parameters used for "hash" fields.
type SecurityConfig struct {
	HashMemory      uint32 `mapstructure:"hash_memory" validate:"gt=0"` // KiB
	HashIterations  uint32 `mapstructure:"hash_iterations" validate:"gt=0"`
	HashParallelism uint8  `mapstructure:"hash_parallelism" validate:"gt=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case "sqlite":
		return d.Path + "/" + d.Name + ".db"
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			d.User, d.Password, d.Host, d.Port, d.Name)
	default:
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			d.User, d.Password, d.Host, d.Port, d.Name)
	}
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

// Validate checks the decoded configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Default returns the configuration produced by the built-in defaults alone.
func Default() *Config {
	v := newViper()
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("../..")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

// LoadFrom reads configuration from an explicit file path.
func LoadFrom(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "cms")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("database.exclude_tables", []string{"goose_db_version"})
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.store", "memory")
	v.SetDefault("cache.ttl", 300)
	v.SetDefault("cache.size", 5000)
	v.SetDefault("cache.namespace", "cms")
	v.SetDefault("cache.auto_purge", true)
	v.SetDefault("cache.schema_cache", true)
	v.SetDefault("query.default_limit", 100)
	v.SetDefault("query.max_relational_limit", 500)
	v.SetDefault("query.max_batch_size", 500)
	v.SetDefault("security.hash_memory", 64*1024)
	v.SetDefault("security.hash_iterations", 3)
	v.SetDefault("security.hash_parallelism", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}
