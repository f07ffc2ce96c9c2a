package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "FIELDSYNC"
	defaultHTTPAddress     = "127.0.0.1:7600"
	defaultDatabasePath    = "fieldsync.db"
	defaultLogLevel        = "info"
	defaultAutosaveEvery   = 30 * time.Second
	defaultDrainEvery      = time.Minute
	defaultMediaMaxWidth   = 1280
	defaultMediaQuality    = 70
	defaultFormTimeout     = 30 * time.Second
	defaultUploadTimeout   = 60 * time.Second
	defaultProbeTimeoutSec = 5 * time.Second
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	APIBaseURL       string
	APIToken         string
	ProbeURL         string
	AutosaveInterval time.Duration
	DrainInterval    time.Duration
	FormSaveTimeout  time.Duration
	UploadTimeout    time.Duration
	ProbeTimeout     time.Duration
	MediaMaxWidth    int
	MediaQuality     int
	BooleanFields    []string
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
	configViper.SetDefault("autosave.interval", defaultAutosaveEvery)
	configViper.SetDefault("drain.interval", defaultDrainEvery)
	configViper.SetDefault("api.form_timeout", defaultFormTimeout)
	configViper.SetDefault("api.upload_timeout", defaultUploadTimeout)
	configViper.SetDefault("probe.timeout", defaultProbeTimeoutSec)
	configViper.SetDefault("media.max_width", defaultMediaMaxWidth)
	configViper.SetDefault("media.quality", defaultMediaQuality)
	configViper.SetDefault("form.boolean_fields", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		APIBaseURL:       configViper.GetString("api.base_url"),
		APIToken:         configViper.GetString("api.token"),
		ProbeURL:         configViper.GetString("probe.url"),
		AutosaveInterval: configViper.GetDuration("autosave.interval"),
		DrainInterval:    configViper.GetDuration("drain.interval"),
		FormSaveTimeout:  configViper.GetDuration("api.form_timeout"),
		UploadTimeout:    configViper.GetDuration("api.upload_timeout"),
		ProbeTimeout:     configViper.GetDuration("probe.timeout"),
		MediaMaxWidth:    configViper.GetInt("media.max_width"),
		MediaQuality:     configViper.GetInt("media.quality"),
		BooleanFields:    configViper.GetStringSlice("form.boolean_fields"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.AutosaveInterval <= 0 {
		return fmt.Errorf("autosave.interval must be positive")
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("drain.interval must be positive")
	}
	if c.MediaMaxWidth <= 0 {
		return fmt.Errorf("media.max_width must be positive")
	}
	if c.MediaQuality < 1 || c.MediaQuality > 100 {
		return fmt.Errorf("media.quality must be between 1 and 100")
	}
	return nil
}
