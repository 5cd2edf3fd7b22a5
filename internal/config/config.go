// Package config loads runtime settings from the environment (optionally via
// a .env file) and the counter locations from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"bike-counts/internal/models"
	"bike-counts/internal/opendata"
	"bike-counts/internal/pipeline"
	"bike-counts/pkg/database"
)

// EnvPrefix is prepended to every environment variable, e.g. BIKES_SERVER_PORT
const EnvPrefix = "BIKES"

// Config is the full application configuration
type Config struct {
	Server    ServerConfig    `envconfig:"SERVER"`
	Database  DatabaseConfig  `envconfig:"DB"`
	OpenData  OpenDataConfig  `envconfig:"OPENDATA"`
	Cache     CacheConfig     `envconfig:"CACHE"`
	Pipeline  PipelineConfig  `envconfig:"PIPELINE"`
	Scheduler SchedulerConfig `envconfig:"SCHEDULER"`
	Logging   LoggingConfig   `envconfig:"LOGGING"`

	// LocationsFile points at a YAML file of extra or overriding locations
	LocationsFile string `envconfig:"LOCATIONS_FILE"`

	Locations []models.Location `ignored:"true" validate:"min=1,dive"`
}

type ServerConfig struct {
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"60s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

type DatabaseConfig struct {
	Host            string        `envconfig:"HOST" default:"localhost"`
	Port            int           `envconfig:"PORT" default:"5432" validate:"min=1,max=65535"`
	User            string        `envconfig:"USER" default:"bikes"`
	Password        string        `envconfig:"PASSWORD" default:"bikes"`
	Database        string        `envconfig:"NAME" default:"bike_counts"`
	SSLMode         string        `envconfig:"SSLMODE" default:"disable" validate:"oneof=disable require verify-ca verify-full"`
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" default:"10" validate:"min=1"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" default:"5" validate:"min=0"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"30m"`
	ConnMaxIdleTime time.Duration `envconfig:"CONN_MAX_IDLE_TIME" default:"5m"`
}

type OpenDataConfig struct {
	BaseURL           string        `envconfig:"BASE_URL" default:"https://data.seattle.gov" validate:"required,url"`
	AppToken          string        `envconfig:"APP_TOKEN"`
	PageSize          int           `envconfig:"PAGE_SIZE" default:"50000" validate:"min=1,max=50000"`
	Timeout           time.Duration `envconfig:"TIMEOUT" default:"60s"`
	MaxRetries        int           `envconfig:"MAX_RETRIES" default:"3" validate:"min=0"`
	RequestsPerSecond float64       `envconfig:"REQUESTS_PER_SECOND" default:"2" validate:"gt=0"`
}

type CacheConfig struct {
	Backend string        `envconfig:"BACKEND" default:"postgres" validate:"oneof=postgres file"`
	Dir     string        `envconfig:"DIR" default:"data/cache"`
	MaxAge  time.Duration `envconfig:"MAX_AGE" default:"600h"`
}

type PipelineConfig struct {
	// OnInsufficientHistory is "zero" (keep the broken day) or "fail"
	OnInsufficientHistory string `envconfig:"ON_INSUFFICIENT_HISTORY" default:"zero" validate:"oneof=zero fail"`
}

type SchedulerConfig struct {
	Enabled  bool          `envconfig:"ENABLED" default:"true"`
	Interval time.Duration `envconfig:"INTERVAL" default:"6h"`
}

type LoggingConfig struct {
	Level string `envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn warning error"`
}

type locationsFile struct {
	Locations []models.Location `yaml:"locations"`
}

// DefaultLocations is the built-in registry
func DefaultLocations() []models.Location {
	return []models.Location{
		{
			Name:             "Spokane St Bridge",
			Slug:             "spokane-st-bridge",
			DatasetID:        "upms-nr8w",
			TotalField:       "spokane_st_bridge_total",
			TimestampField:   "date",
			TimeZone:         "America/Los_Angeles",
			RepairBrokenDays: true,
		},
	}
}

// LoadConfig reads .env (if present), then the environment, then the
// locations file. Values already set in the environment win over .env.
func LoadConfig() (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.Locations = DefaultLocations()
	if cfg.LocationsFile != "" {
		extra, err := LoadLocationsFile(cfg.LocationsFile)
		if err != nil {
			return nil, err
		}
		cfg.Locations = append(cfg.Locations, extra...)
	}
	cfg.Locations = models.NewLocationRegistry(cfg.Locations...).All()

	return &cfg, nil
}

// LoadLocationsFile parses a YAML document with a top-level "locations" list.
// Missing slugs are derived from the name.
func LoadLocationsFile(path string) ([]models.Location, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read locations file: %w", err)
	}

	var doc locationsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse locations file %s: %w", path, err)
	}

	for i := range doc.Locations {
		if doc.Locations[i].Slug == "" {
			doc.Locations[i].Slug = models.Slugify(doc.Locations[i].Name)
		}
	}
	return doc.Locations, nil
}

// Validate checks struct tags on the whole config including each location
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Registry returns the configured locations keyed by slug
func (c *Config) Registry() *models.LocationRegistry {
	return models.NewLocationRegistry(c.Locations...)
}

// DB converts the database section for pkg/database
func (c *Config) DB() *database.Config {
	return &database.Config{
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		Database:        c.Database.Database,
		SSLMode:         c.Database.SSLMode,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
	}
}

// Client converts the open data section for the Socrata client
func (c *Config) Client() opendata.Config {
	return opendata.Config{
		BaseURL:           c.OpenData.BaseURL,
		AppToken:          c.OpenData.AppToken,
		PageSize:          c.OpenData.PageSize,
		Timeout:           c.OpenData.Timeout,
		RequestsPerSecond: c.OpenData.RequestsPerSecond,
		Backoff:           opendata.BackoffConfig{MaxRetries: c.OpenData.MaxRetries},
	}
}

// HistoryPolicy returns the repair policy for broken days without history
func (c *Config) HistoryPolicy() pipeline.HistoryPolicy {
	if c.Pipeline.OnInsufficientHistory == string(pipeline.FailOnMissingHistory) {
		return pipeline.FailOnMissingHistory
	}
	return pipeline.LeaveZero
}
