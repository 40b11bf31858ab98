package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// JobSettings holds the schedule of every periodic job and the cluster lock
// guarding each of them. LockDSN is always a PostgreSQL DSN regardless of the
// envelope store backend; it defaults to database.dsn when that backend is
// postgres.
type JobSettings struct {
	ContainerScanInterval     time.Duration `mapstructure:"container_scan_interval"`
	DispatchedCleanupInterval time.Duration `mapstructure:"dispatched_cleanup_interval"`
	RejectedCleanupInterval   time.Duration `mapstructure:"rejected_cleanup_interval"`
	RejectedFilesInterval     time.Duration `mapstructure:"rejected_files_interval"`
	DuplicateScanInterval     time.Duration `mapstructure:"duplicate_scan_interval"`
	NotificationInterval      time.Duration `mapstructure:"notification_interval"`
	LockTTL                   time.Duration `mapstructure:"lock_ttl"`
	LockDSN                   string        `mapstructure:"lock_dsn"`
}

type Settings struct {
	Database          DbSettings       `mapstructure:"database"`
	Broker            BrokerSettings   `mapstructure:"broker"`
	Storage           StorageSettings  `mapstructure:"storage"`
	Containers        []ContainerRoute `mapstructure:"containers" validate:"required,dive"`
	Jobs              JobSettings      `mapstructure:"jobs"`
	WorkerPoolSize    int              `mapstructure:"worker_pool_size"`
	BatchSize         int              `mapstructure:"batch_size"`
	MaxFileSize       int64            `mapstructure:"max_file_size"`
	ChunkSize         int64            `mapstructure:"chunk_size"`
	ChunkThreshold    int64            `mapstructure:"chunk_threshold"`
	LeaseTTL          time.Duration    `mapstructure:"lease_ttl"`
	RejectedRetention time.Duration    `mapstructure:"rejected_retention"`
	Log               LogSettings      `mapstructure:"log"`
	Observability     Observability    `mapstructure:"observability"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// ApplyDefaults fills in the values a minimal config file may omit.
func (c *Settings) ApplyDefaults() {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 8 * 1024 * 1024
	}
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = c.ChunkSize
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = time.Minute
	}
	if c.Jobs.LockTTL <= 0 {
		c.Jobs.LockTTL = 5 * time.Minute
	}
	if c.Jobs.LockDSN == "" {
		c.Jobs.LockDSN = c.Database.DSN
	}
	if c.RejectedRetention <= 0 {
		c.RejectedRetention = 14 * 24 * time.Hour
	}
}

// Route resolves the routing-table entry of a source container.
func (c *Settings) Route(source string) (ContainerRoute, bool) {
	for _, route := range c.Containers {
		if route.Source == source {
			return route, true
		}
	}
	return ContainerRoute{}, false
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("ingest")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "ingest."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging environment config: %s\n", err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load from env: %v", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("INGEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like INGEST_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("broker.type")
	viper.BindEnv("broker.url")
	viper.BindEnv("broker.exchange")
	viper.BindEnv("broker.topic")
	viper.BindEnv("broker.project_id")
	viper.BindEnv("storage.source_account")
	viper.BindEnv("jobs.lock_dsn")
	viper.BindEnv("worker_pool_size")
	viper.BindEnv("batch_size")
	viper.BindEnv("max_file_size")
	viper.BindEnv("chunk_size")
	viper.BindEnv("chunk_threshold")
	viper.BindEnv("lease_ttl")
	viper.BindEnv("rejected_retention")
	viper.BindEnv("log.level")
	viper.BindEnv("log.format")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
