package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "LEADSYNC"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "leadsync.db"
	defaultLogLevel     = "info"
	defaultIssuer       = "leadsync-auth"
	defaultAudience     = "leadsync-api"
	defaultTokenTTL     = 24 * time.Hour
	defaultAPIBaseURL   = "http://localhost:8080"
	defaultMinInterval  = 5 * time.Second
	defaultPollPeriod   = 7 * time.Second
	defaultStatusWindow = 3 * time.Second
)

var (
	defaultSources         = []string{"timeline", "messages"}
	defaultImmediateFields = []string{"owner_id", "stage"}
	defaultSystemFields    = []string{"id", "version", "created_at", "updated_at"}
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	Issuer         string
	Audience       string
	TokenTTL       time.Duration
	AllowedOrigins []string
}

// ClientConfig captures runtime configuration for the sync client.
type ClientConfig struct {
	APIBaseURL      string
	APIToken        string
	Sources         []string
	PollingEnabled  bool
	MinInterval     time.Duration
	PollPeriod      time.Duration
	StatusWindow    time.Duration
	ImmediateFields []string
	SystemFields    []string
	LogLevel        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("cors.allowed_origins", []string{})

	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("sync.sources", defaultSources)
	configViper.SetDefault("sync.polling_enabled", true)
	configViper.SetDefault("sync.min_interval", defaultMinInterval)
	configViper.SetDefault("sync.poll_period", defaultPollPeriod)
	configViper.SetDefault("sync.status_window", defaultStatusWindow)
	configViper.SetDefault("sync.immediate_fields", defaultImmediateFields)
	configViper.SetDefault("sync.system_fields", defaultSystemFields)
}

// ReadConfigFile loads path into configViper. With an explicit path every
// read error is returned; without one a missing file is not an error.
func ReadConfigFile(configViper *viper.Viper, path string) error {
	if path != "" {
		configViper.SetConfigFile(path)
	}

	if err := configViper.ReadInConfig(); err != nil {
		if path != "" {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// Load parses API server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		Issuer:         configViper.GetString("auth.issuer"),
		Audience:       configViper.GetString("auth.audience"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		AllowedOrigins: cleanList(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}

// LoadClient parses sync client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		APIBaseURL:      strings.TrimRight(strings.TrimSpace(configViper.GetString("api.base_url")), "/"),
		APIToken:        strings.TrimSpace(configViper.GetString("api.token")),
		Sources:         cleanList(configViper.GetStringSlice("sync.sources")),
		PollingEnabled:  configViper.GetBool("sync.polling_enabled"),
		MinInterval:     configViper.GetDuration("sync.min_interval"),
		PollPeriod:      configViper.GetDuration("sync.poll_period"),
		StatusWindow:    configViper.GetDuration("sync.status_window"),
		ImmediateFields: cleanList(configViper.GetStringSlice("sync.immediate_fields")),
		SystemFields:    cleanList(configViper.GetStringSlice("sync.system_fields")),
		LogLevel:        configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(c.APIBaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute URL")
	}
	if c.APIToken == "" {
		return fmt.Errorf("api.token is required")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("sync.sources must not be empty")
	}
	if c.MinInterval <= 0 || c.PollPeriod <= 0 || c.StatusWindow <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	return nil
}

func cleanList(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
	}
	return cleaned
}
