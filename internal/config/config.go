package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Exchange  ExchangeConfig  `yaml:"exchange" envconfig:"EXCHANGE"`
	DRM       DRMConfig       `yaml:"drm" envconfig:"DRM"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration for the bridge and admin surface
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST" default:"127.0.0.1"`
	Port            int           `yaml:"port" envconfig:"PORT" default:"7441" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS" default:"50"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST" default:"20"`
	// AllowedOrigins lists browser origins accepted on the bridge. Native
	// hosts send no Origin and are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn warning error"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/keybroker.log"`
}

// StorageConfig describes the private on-device key storage area
type StorageConfig struct {
	Root              string `yaml:"root" envconfig:"ROOT"`
	IndexFile         string `yaml:"index_file" envconfig:"INDEX_FILE" default:"keys.index.json"`
	CacheEntries      int    `yaml:"cache_entries" envconfig:"CACHE_ENTRIES" default:"64" validate:"min=0"`
	SealingPassphrase string `yaml:"sealing_passphrase" envconfig:"SEALING_PASSPHRASE"`
}

// ExchangeConfig bounds the network side of a key request
type ExchangeConfig struct {
	Scheme             string        `yaml:"scheme" envconfig:"SCHEME" default:"skd" validate:"required"`
	CertificateTimeout time.Duration `yaml:"certificate_timeout" envconfig:"CERTIFICATE_TIMEOUT" default:"15s"`
	LicenseTimeout     time.Duration `yaml:"license_timeout" envconfig:"LICENSE_TIMEOUT" default:"20s"`
	MaxConcurrent      int64         `yaml:"max_concurrent" envconfig:"MAX_CONCURRENT" default:"8" validate:"min=1"`
	RateLimitRPS       float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS" default:"0" validate:"min=0"`
	RateLimitBurst     int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST" default:"1" validate:"min=1"`
	ReadOnlyCache      bool          `yaml:"read_only_cache" envconfig:"READ_ONLY_CACHE" default:"false"`
}

// DRMConfig holds the default DRM endpoints. Sessions that bring their own
// endpoints ignore these.
type DRMConfig struct {
	CertificateURL string     `yaml:"certificate_url" envconfig:"CERTIFICATE_URL" validate:"omitempty,url"`
	LicenseURL     string     `yaml:"license_url" envconfig:"LICENSE_URL" validate:"omitempty,url"`
	Headers        HeaderList `yaml:"headers" envconfig:"HEADERS"`
}

// TelemetryConfig selects the OpenTelemetry exporters
type TelemetryConfig struct {
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT" default:"development"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"none" validate:"oneof=stdout none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" default:"prometheus" validate:"oneof=prometheus none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" default:"1.0" validate:"min=0,max=1"`
}

// Header is one custom license request header
type Header struct {
	Name  string `yaml:"name" validate:"required"`
	Value string `yaml:"value"`
}

// HeaderList is an ordered list of headers. From the environment it is read
// as "Name:Value,Name:Value".
type HeaderList []Header

// Decode implements envconfig.Decoder
func (h *HeaderList) Decode(value string) error {
	var headers HeaderList
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, val, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("invalid header %q: expected Name:Value", pair)
		}
		headers = append(headers, Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(val)})
	}
	*h = headers
	return nil
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	return LoadFrom(getConfigFilePath())
}

// LoadFrom loads configuration from the given YAML file (may be empty) and
// the environment. Environment values take precedence.
func LoadFrom(configFile string) (*Config, error) {
	var cfg Config

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			fileConfig, err := loadFromFile(configFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load config from file: %w", err)
			}
			cfg = mergeConfigs(*fileConfig, cfg)
		}
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config. A value set explicitly in
// the environment wins; otherwise a value present in the file replaces the
// envconfig default.
func mergeConfigs(fileConfig, envConfig Config) Config {
	d := Default()

	pickString := func(env, file, def string) string {
		if env != def || file == "" {
			return env
		}
		return file
	}
	pickInt := func(env, file, def int) int {
		if env != def || file == 0 {
			return env
		}
		return file
	}
	pickDuration := func(env, file, def time.Duration) time.Duration {
		if env != def || file == 0 {
			return env
		}
		return file
	}
	pickFloat := func(env, file, def float64) float64 {
		if env != def || file == 0 {
			return env
		}
		return file
	}

	// Server
	envConfig.Server.Host = pickString(envConfig.Server.Host, fileConfig.Server.Host, d.Server.Host)
	envConfig.Server.Port = pickInt(envConfig.Server.Port, fileConfig.Server.Port, d.Server.Port)
	envConfig.Server.ReadTimeout = pickDuration(envConfig.Server.ReadTimeout, fileConfig.Server.ReadTimeout, d.Server.ReadTimeout)
	envConfig.Server.WriteTimeout = pickDuration(envConfig.Server.WriteTimeout, fileConfig.Server.WriteTimeout, d.Server.WriteTimeout)
	envConfig.Server.IdleTimeout = pickDuration(envConfig.Server.IdleTimeout, fileConfig.Server.IdleTimeout, d.Server.IdleTimeout)
	envConfig.Server.ShutdownTimeout = pickDuration(envConfig.Server.ShutdownTimeout, fileConfig.Server.ShutdownTimeout, d.Server.ShutdownTimeout)
	envConfig.Server.RateLimitRPS = pickFloat(envConfig.Server.RateLimitRPS, fileConfig.Server.RateLimitRPS, d.Server.RateLimitRPS)
	envConfig.Server.RateLimitBurst = pickInt(envConfig.Server.RateLimitBurst, fileConfig.Server.RateLimitBurst, d.Server.RateLimitBurst)
	if len(envConfig.Server.AllowedOrigins) == 0 {
		envConfig.Server.AllowedOrigins = fileConfig.Server.AllowedOrigins
	}

	// Logging
	envConfig.Logging.Level = pickString(envConfig.Logging.Level, fileConfig.Logging.Level, d.Logging.Level)
	envConfig.Logging.Output = pickString(envConfig.Logging.Output, fileConfig.Logging.Output, d.Logging.Output)
	envConfig.Logging.FilePath = pickString(envConfig.Logging.FilePath, fileConfig.Logging.FilePath, d.Logging.FilePath)

	// Storage
	envConfig.Storage.Root = pickString(envConfig.Storage.Root, fileConfig.Storage.Root, d.Storage.Root)
	envConfig.Storage.IndexFile = pickString(envConfig.Storage.IndexFile, fileConfig.Storage.IndexFile, d.Storage.IndexFile)
	envConfig.Storage.CacheEntries = pickInt(envConfig.Storage.CacheEntries, fileConfig.Storage.CacheEntries, d.Storage.CacheEntries)
	envConfig.Storage.SealingPassphrase = pickString(envConfig.Storage.SealingPassphrase, fileConfig.Storage.SealingPassphrase, d.Storage.SealingPassphrase)

	// Exchange
	envConfig.Exchange.Scheme = pickString(envConfig.Exchange.Scheme, fileConfig.Exchange.Scheme, d.Exchange.Scheme)
	envConfig.Exchange.CertificateTimeout = pickDuration(envConfig.Exchange.CertificateTimeout, fileConfig.Exchange.CertificateTimeout, d.Exchange.CertificateTimeout)
	envConfig.Exchange.LicenseTimeout = pickDuration(envConfig.Exchange.LicenseTimeout, fileConfig.Exchange.LicenseTimeout, d.Exchange.LicenseTimeout)
	if envConfig.Exchange.MaxConcurrent == d.Exchange.MaxConcurrent && fileConfig.Exchange.MaxConcurrent != 0 {
		envConfig.Exchange.MaxConcurrent = fileConfig.Exchange.MaxConcurrent
	}
	envConfig.Exchange.RateLimitRPS = pickFloat(envConfig.Exchange.RateLimitRPS, fileConfig.Exchange.RateLimitRPS, d.Exchange.RateLimitRPS)
	envConfig.Exchange.RateLimitBurst = pickInt(envConfig.Exchange.RateLimitBurst, fileConfig.Exchange.RateLimitBurst, d.Exchange.RateLimitBurst)
	envConfig.Exchange.ReadOnlyCache = envConfig.Exchange.ReadOnlyCache || fileConfig.Exchange.ReadOnlyCache

	// DRM
	envConfig.DRM.CertificateURL = pickString(envConfig.DRM.CertificateURL, fileConfig.DRM.CertificateURL, d.DRM.CertificateURL)
	envConfig.DRM.LicenseURL = pickString(envConfig.DRM.LicenseURL, fileConfig.DRM.LicenseURL, d.DRM.LicenseURL)
	if len(envConfig.DRM.Headers) == 0 {
		envConfig.DRM.Headers = fileConfig.DRM.Headers
	}

	// Telemetry
	envConfig.Telemetry.Environment = pickString(envConfig.Telemetry.Environment, fileConfig.Telemetry.Environment, d.Telemetry.Environment)
	envConfig.Telemetry.TraceExporter = pickString(envConfig.Telemetry.TraceExporter, fileConfig.Telemetry.TraceExporter, d.Telemetry.TraceExporter)
	envConfig.Telemetry.MetricExporter = pickString(envConfig.Telemetry.MetricExporter, fileConfig.Telemetry.MetricExporter, d.Telemetry.MetricExporter)
	envConfig.Telemetry.SampleRatio = pickFloat(envConfig.Telemetry.SampleRatio, fileConfig.Telemetry.SampleRatio, d.Telemetry.SampleRatio)

	return envConfig
}

// resolvePaths fills in the storage root when none was configured
func (c *Config) resolvePaths() error {
	if c.Storage.Root != "" {
		return nil
	}
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("failed to get paths: %w", err)
	}
	c.Storage.Root = paths.KeysDir
	return nil
}

// validate validates the configuration
func (c *Config) validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}

	if c.Exchange.CertificateTimeout <= 0 {
		return fmt.Errorf("certificate timeout must be positive")
	}
	if c.Exchange.LicenseTimeout <= 0 {
		return fmt.Errorf("license timeout must be positive")
	}
	if strings.ContainsAny(c.Storage.IndexFile, `/\`) {
		return fmt.Errorf("index file must be a bare file name: %q", c.Storage.IndexFile)
	}
	c.Exchange.Scheme = strings.ToLower(c.Exchange.Scheme)

	return nil
}

// Addr returns the listen address of the server
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		return path
	}

	locations := []string{
		"keybroker.yaml",
		"configs/keybroker.yaml",
		"../configs/keybroker.yaml",
	}

	for _, location := range locations {
		if FileExists(location) {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            7441,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  20,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/keybroker.log",
		},
		Storage: StorageConfig{
			IndexFile:    DefaultIndexFile,
			CacheEntries: DefaultCacheEntries,
		},
		Exchange: ExchangeConfig{
			Scheme:             DefaultScheme,
			CertificateTimeout: DefaultCertificateTimeout,
			LicenseTimeout:     DefaultLicenseTimeout,
			MaxConcurrent:      DefaultMaxConcurrentExchanges,
			RateLimitRPS:       0,
			RateLimitBurst:     1,
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
