package configs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "mcpvhost"

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// OpenAPISource is an API description whose operations are imported as tools at startup.
type OpenAPISource struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	// Owner owns the imported tools.
	Owner string `yaml:"owner"`
}

// FileConfig defines the structure loaded from the YAML configuration file.
type FileConfig struct {
	// OpenAPISources accepts plain URL strings or objects with url, headers and owner.
	OpenAPISources []any `yaml:"openapi_sources"`

	ListenAddr     string   `yaml:"listen_addr"`
	AdminAddr      string   `yaml:"admin_addr"`
	PublicBaseURL  string   `yaml:"public_base_url"`
	RootDomain     string   `yaml:"root_domain"`
	StoreDriver    string   `yaml:"store_driver"`
	SQLitePath     string   `yaml:"sqlite_path"`
	JWTIssuer      string   `yaml:"jwt_issuer"`
	CORSOrigins    []string `yaml:"cors_allowed_origins"`
	GitHubAPIURL   string   `yaml:"github_api_url"`
	LoadConcurrent int      `yaml:"load_concurrency"`
	LogLevel       string   `yaml:"log_level"`
}

// Config holds the final application configuration, merged from file and environment variables.
// Fields are loaded from environment variables with the prefix "MCPVHOST_", overriding file settings.
type Config struct {
	// Config File Path (Loaded first from env)
	ConfigFilePath string `envconfig:"CONFIG_FILE"`

	// File-only
	OpenAPISources []OpenAPISource `ignored:"true"`

	ListenAddr    string `envconfig:"LISTEN_ADDR" default:":8080"`
	AdminAddr     string `envconfig:"ADMIN_ADDR" default:"127.0.0.1:8081"`
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL"`
	RootDomain    string `envconfig:"ROOT_DOMAIN"`

	// MasterKey is the base64 encoded 32 byte key protecting secrets at rest.
	MasterKey string `envconfig:"MASTER_KEY"`

	StoreDriver     string        `envconfig:"STORE_DRIVER" default:"memory"`
	SQLitePath      string        `envconfig:"SQLITE_PATH" default:"mcpvhost.db"`
	StoreTimeout    time.Duration `envconfig:"STORE_TIMEOUT" default:"10s"`
	LoadConcurrency int           `envconfig:"LOAD_CONCURRENCY" default:"8"`

	HTTPClientTimeout  time.Duration `envconfig:"HTTP_CLIENT_TIMEOUT" default:"30s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	ServerReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	ServerWriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"0s"`
	ServerIdleTimeout  time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"120s"`

	JWTSecret   string `envconfig:"JWT_SECRET"`
	JWTIssuer   string `envconfig:"JWT_ISSUER" default:"mcpvhost"`
	JWTAudience string `envconfig:"JWT_AUDIENCE"`
	// AdminScope is the scope an admin API credential must carry when JWTSecret is set.
	AdminScope          string   `envconfig:"ADMIN_SCOPE" default:"mcpvhost:admin"`
	ResourceMetadataURL string   `envconfig:"RESOURCE_METADATA_URL"`
	CORSAllowedOrigins  []string `envconfig:"CORS_ALLOWED_ORIGINS"`

	// GitHubAPIURL serves github:// OpenAPI sources.
	GitHubAPIURL string `envconfig:"GITHUB_API_URL" default:"https://api.github.com"`

	OtelExporterOtlpEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelExporterOtlpInsecure bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	LogLevel                 string `envconfig:"LOG_LEVEL" default:"info"`
}

// ParsedLogLevel returns the slog.Level based on the configured LogLevel string.
func (c *Config) ParsedLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		fallthrough
	default:
		return slog.LevelInfo
	}
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	var errs []error
	if c.MasterKey == "" {
		errs = append(errs, errors.New("MCPVHOST_MASTER_KEY is required"))
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("MCPVHOST_SQLITE_PATH is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if c.LoadConcurrency < 1 {
		errs = append(errs, errors.New("MCPVHOST_LOAD_CONCURRENCY must be at least 1"))
	}
	return errors.Join(errs...)
}

// Load loads configuration first from environment variables (to get the file path),
// then from the YAML file, and finally applies environment variables again so they win.
func Load() (*Config, error) {
	var initialCfg Config
	if err := envconfig.Process(EnvPrefix, &initialCfg); err != nil {
		return nil, fmt.Errorf("failed to process initial environment variables: %w", err)
	}

	finalCfg := initialCfg
	if initialCfg.ConfigFilePath != "" {
		yamlFile, err := os.ReadFile(initialCfg.ConfigFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", initialCfg.ConfigFilePath, err)
		}
		var fileCfg FileConfig
		if err := yaml.Unmarshal(yamlFile, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file '%s': %w", initialCfg.ConfigFilePath, err)
		}
		slog.Info("Loaded configuration from file.", "path", initialCfg.ConfigFilePath)
		fileCfg.apply(&finalCfg)
	} else {
		slog.Debug("No config file path specified (MCPVHOST_CONFIG_FILE), using defaults/env vars only.")
	}

	if err := processOverrides(&finalCfg); err != nil {
		return nil, fmt.Errorf("failed to process overriding environment variables: %w", err)
	}
	return &finalCfg, nil
}

// apply copies file settings over cfg. Zero values leave cfg untouched.
func (f *FileConfig) apply(cfg *Config) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&cfg.ListenAddr, f.ListenAddr)
	setString(&cfg.AdminAddr, f.AdminAddr)
	setString(&cfg.PublicBaseURL, f.PublicBaseURL)
	setString(&cfg.RootDomain, f.RootDomain)
	setString(&cfg.StoreDriver, f.StoreDriver)
	setString(&cfg.SQLitePath, f.SQLitePath)
	setString(&cfg.JWTIssuer, f.JWTIssuer)
	setString(&cfg.LogLevel, f.LogLevel)
	setString(&cfg.GitHubAPIURL, f.GitHubAPIURL)
	if len(f.CORSOrigins) > 0 {
		cfg.CORSAllowedOrigins = f.CORSOrigins
	}
	if f.LoadConcurrent > 0 {
		cfg.LoadConcurrency = f.LoadConcurrent
	}

	cfg.OpenAPISources = make([]OpenAPISource, 0, len(f.OpenAPISources))
	for _, source := range f.OpenAPISources {
		switch v := source.(type) {
		case string:
			cfg.OpenAPISources = append(cfg.OpenAPISources, OpenAPISource{URL: v})
		case map[string]any:
			src := OpenAPISource{}
			if url, ok := v["url"].(string); ok {
				src.URL = url
			}
			if owner, ok := v["owner"].(string); ok {
				src.Owner = owner
			}
			if headers, ok := v["headers"].(map[string]any); ok {
				src.Headers = make(map[string]string, len(headers))
				for k, val := range headers {
					if s, ok := val.(string); ok {
						src.Headers[k] = s
					}
				}
			}
			if src.URL == "" {
				slog.Warn("Ignoring OpenAPI source without url", "source", source)
				continue
			}
			cfg.OpenAPISources = append(cfg.OpenAPISources, src)
		default:
			slog.Warn("Ignoring invalid OpenAPI source format", "source", source)
		}
	}
}

// processOverrides applies only the environment variables that are actually set, so file
// values survive where the environment is silent.
func processOverrides(cfg *Config) error {
	var env Config
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}
	override := func(name string, apply func()) {
		if _, ok := os.LookupEnv(strings.ToUpper(EnvPrefix) + "_" + name); ok {
			apply()
		}
	}
	override("LISTEN_ADDR", func() { cfg.ListenAddr = env.ListenAddr })
	override("ADMIN_ADDR", func() { cfg.AdminAddr = env.AdminAddr })
	override("PUBLIC_BASE_URL", func() { cfg.PublicBaseURL = env.PublicBaseURL })
	override("ROOT_DOMAIN", func() { cfg.RootDomain = env.RootDomain })
	override("STORE_DRIVER", func() { cfg.StoreDriver = env.StoreDriver })
	override("SQLITE_PATH", func() { cfg.SQLitePath = env.SQLitePath })
	override("JWT_ISSUER", func() { cfg.JWTIssuer = env.JWTIssuer })
	override("GITHUB_API_URL", func() { cfg.GitHubAPIURL = env.GitHubAPIURL })
	override("LOG_LEVEL", func() { cfg.LogLevel = env.LogLevel })
	override("CORS_ALLOWED_ORIGINS", func() { cfg.CORSAllowedOrigins = env.CORSAllowedOrigins })
	override("LOAD_CONCURRENCY", func() { cfg.LoadConcurrency = env.LoadConcurrency })
	return nil
}
