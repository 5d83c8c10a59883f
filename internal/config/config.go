package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	defaultConfigPath = "~/.config/georeg/config.yaml"
	defaultParallel   = 2
	envPrefix         = "GEOREG_"
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing       `koanf:"processing" yaml:"processing" json:"processing"`
	Logging    Logging          `koanf:"logging" yaml:"logging" json:"logging"`
	Paths      Paths            `koanf:"paths" yaml:"paths" json:"paths"`
	Storage    Storage          `koanf:"storage" yaml:"storage" json:"storage"`
	Align      AlignConfig      `koanf:"align" yaml:"align" json:"align"`
	Downsample DownsampleConfig `koanf:"downsample" yaml:"downsample" json:"downsample"`
	Server     Server           `koanf:"server" yaml:"server" json:"server"`
	Events     Events           `koanf:"events" yaml:"events" json:"events"`
	S3         S3               `koanf:"s3" yaml:"s3" json:"s3"`
	Client     Client           `koanf:"client" yaml:"client" json:"client"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `koanf:"parallel_jobs" yaml:"parallel_jobs" json:"parallel_jobs"`
	TempDir      string `koanf:"temp_dir" yaml:"temp_dir" json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `koanf:"level" yaml:"level" json:"level"`                   // debug, info, warn, error
	Format     string `koanf:"format" yaml:"format" json:"format"`                // text, json
	FileOutput bool   `koanf:"file_output" yaml:"file_output" json:"file_output"` // Enable file logging
	LogDir     string `koanf:"log_dir" yaml:"log_dir" json:"log_dir"`
}

// Paths configures default locations.
type Paths struct {
	DefaultOutput string `koanf:"default_output" yaml:"default_output" json:"default_output"`
	DatabasePath  string `koanf:"database_path" yaml:"database_path" json:"database_path"`
	Inbox         string `koanf:"inbox" yaml:"inbox" json:"inbox"`
}

// Storage selects the SQL driver behind the job store.
type Storage struct {
	Driver string `koanf:"driver" yaml:"driver" json:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// AlignConfig controls clipping and co-registration.
type AlignConfig struct {
	ReferenceCRS   string `koanf:"reference_crs" yaml:"reference_crs" json:"reference_crs"`
	DensifyPoints  int    `koanf:"densify_points" yaml:"densify_points" json:"densify_points"`
	UpsampleFactor int    `koanf:"upsample_factor" yaml:"upsample_factor" json:"upsample_factor"`
	AllTouched     bool   `koanf:"all_touched" yaml:"all_touched" json:"all_touched"`
	ValidateAOI    bool   `koanf:"validate_aoi" yaml:"validate_aoi" json:"validate_aoi"`
	Compression    string `koanf:"compression" yaml:"compression" json:"compression"`
}

// DownsampleConfig controls the quicklook utility.
type DownsampleConfig struct {
	Scale       float64 `koanf:"scale" yaml:"scale" json:"scale"`
	Preview     bool    `koanf:"preview" yaml:"preview" json:"preview"`
	PreviewSize int     `koanf:"preview_size" yaml:"preview_size" json:"preview_size"` // longest PNG edge in pixels
}

// Server configures the network listeners.
type Server struct {
	Addr     string `koanf:"addr" yaml:"addr" json:"addr"`
	GRPCAddr string `koanf:"grpc_addr" yaml:"grpc_addr" json:"grpc_addr"`
	Metrics  bool   `koanf:"metrics" yaml:"metrics" json:"metrics"`
}

// Events configures job lifecycle notifications.
type Events struct {
	Driver  string   `koanf:"driver" yaml:"driver" json:"driver"` // none, kafka, nats
	Brokers []string `koanf:"brokers" yaml:"brokers" json:"brokers"`
	Topic   string   `koanf:"topic" yaml:"topic" json:"topic"`
	NATSURL string   `koanf:"nats_url" yaml:"nats_url" json:"nats_url"`
	Subject string   `koanf:"subject" yaml:"subject" json:"subject"`
}

// S3 configures object storage inputs.
type S3 struct {
	Region string `koanf:"region" yaml:"region" json:"region"`
}

// Client configures `georeg submit` against a remote gRPC server.
type Client struct {
	Addr     string `koanf:"addr" yaml:"addr" json:"addr"`
	Insecure bool   `koanf:"insecure" yaml:"insecure" json:"insecure"`
	CACert   string `koanf:"ca_cert" yaml:"ca_cert" json:"ca_cert"`
	CertFile string `koanf:"cert_file" yaml:"cert_file" json:"cert_file"`
	KeyFile  string `koanf:"key_file" yaml:"key_file" json:"key_file"`
}

// Load reads configuration from disk and the environment, falling back to
// sensible defaults. A missing config file is not an error.
func Load() (*Config, error) {
	configPath := os.Getenv("GEOREG_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile is Load with an explicit YAML path.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if expanded != "" {
		if err := k.Load(file.Provider(expanded), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", expanded, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// envKey maps GEOREG_ALIGN__UPSAMPLE_FACTOR to align.upsample_factor.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
}

// Validate rejects settings no job could run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be >= 1, got %d", c.Processing.ParallelJobs))
	}
	if c.Align.UpsampleFactor < 1 {
		errs = append(errs, fmt.Errorf("align.upsample_factor must be >= 1, got %d", c.Align.UpsampleFactor))
	}
	if c.Align.DensifyPoints < 0 {
		errs = append(errs, fmt.Errorf("align.densify_points must be >= 0, got %d", c.Align.DensifyPoints))
	}
	if strings.TrimSpace(c.Align.ReferenceCRS) == "" {
		errs = append(errs, errors.New("align.reference_crs is required"))
	}
	if !(c.Downsample.Scale > 0 && c.Downsample.Scale <= 1) {
		errs = append(errs, fmt.Errorf("downsample.scale must be in (0, 1], got %g", c.Downsample.Scale))
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of sqlite, sqlite3", c.Storage.Driver))
	}
	switch c.Events.Driver {
	case "", "none":
	case "kafka":
		if len(c.Events.Brokers) == 0 || c.Events.Topic == "" {
			errs = append(errs, errors.New("events.driver kafka needs events.brokers and events.topic"))
		}
	case "nats":
		if c.Events.NATSURL == "" || c.Events.Subject == "" {
			errs = append(errs, errors.New("events.driver nats needs events.nats_url and events.subject"))
		}
	default:
		errs = append(errs, fmt.Errorf("events.driver %q is not one of none, kafka, nats", c.Events.Driver))
	}
	return errors.Join(errs...)
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      filepath.Join(os.TempDir(), "georeg"),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "georeg.db"),
			Inbox:         "./inbox",
		},
		Storage: Storage{Driver: "sqlite"},
		Align: AlignConfig{
			ReferenceCRS:   "EPSG:4326",
			DensifyPoints:  21,
			UpsampleFactor: 10,
			AllTouched:     true,
			ValidateAOI:    true,
			Compression:    "LZW",
		},
		Downsample: DownsampleConfig{
			Scale:       0.25,
			Preview:     true,
			PreviewSize: 1024,
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
			Metrics:  true,
		},
		Events: Events{
			Driver:  "none",
			Topic:   "georeg.jobs",
			Subject: "georeg.jobs",
		},
		S3: S3{Region: "us-east-1"},
		Client: Client{
			Addr:     "localhost:9090",
			Insecure: true,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
