package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix of environment variables overriding config keys
	EnvPrefix = "TRAILER"
	// EnvGithubToken is the environment variable name for the GitHub API token
	EnvGithubToken = "TRAILER_GITHUB_TOKEN"
)

// Config represents the application configuration
type Config struct {
	// GitHub API token for authentication (optional, can be set via TRAILER_GITHUB_TOKEN env var)
	GitHubToken string `mapstructure:"github_token" yaml:"github_token"`
	// GitHub Enterprise endpoints; empty means github.com
	GraphQLURL string `mapstructure:"graphql_url" yaml:"graphql_url,omitempty"`
	RESTURL    string `mapstructure:"rest_url" yaml:"rest_url,omitempty"`

	// Path to the SQLite database file
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	// Path to the YAML list of watched projects
	ProjectsFile string `mapstructure:"projects_file" yaml:"projects_file"`

	RefreshInterval     time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	Workers             int           `mapstructure:"workers" yaml:"workers"`
	MaxPages            int           `mapstructure:"max_pages" yaml:"max_pages"`
	PageSize            int           `mapstructure:"page_size" yaml:"page_size"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	BackoffInitial      time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax          time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	FailureThreshold    int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	RateLimitAlertAfter time.Duration `mapstructure:"rate_limit_alert_after" yaml:"rate_limit_alert_after"`

	NotificationCooldown   time.Duration `mapstructure:"notification_cooldown" yaml:"notification_cooldown"`
	MarkUnreadOnNewCommits bool          `mapstructure:"mark_unread_on_new_commits" yaml:"mark_unread_on_new_commits"`

	ListenAddr     string `mapstructure:"listen_addr" yaml:"listen_addr"`
	LogLevel       string `mapstructure:"log_level" yaml:"log_level"`
	LogFile        string `mapstructure:"log_file" yaml:"log_file,omitempty"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
}

// Default returns the configuration used when a key is not set
func Default() *Config {
	return &Config{
		DatabasePath:         "trailer.db",
		ProjectsFile:         "projects.yaml",
		RefreshInterval:      5 * time.Minute,
		Workers:              4,
		MaxPages:             20,
		PageSize:             50,
		RequestTimeout:       30 * time.Second,
		BackoffInitial:       30 * time.Second,
		BackoffMax:           30 * time.Minute,
		FailureThreshold:     3,
		RateLimitAlertAfter:  10 * time.Minute,
		NotificationCooldown: 2 * time.Minute,
		ListenAddr:           "127.0.0.1:8765",
		LogLevel:             "info",
		MetricsEnabled:       true,
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("github_token", "")
	v.SetDefault("graphql_url", "")
	v.SetDefault("rest_url", "")
	v.SetDefault("database_path", d.DatabasePath)
	v.SetDefault("projects_file", d.ProjectsFile)
	v.SetDefault("refresh_interval", d.RefreshInterval)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("max_pages", d.MaxPages)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("backoff_initial", d.BackoffInitial)
	v.SetDefault("backoff_max", d.BackoffMax)
	v.SetDefault("failure_threshold", d.FailureThreshold)
	v.SetDefault("rate_limit_alert_after", d.RateLimitAlertAfter)
	v.SetDefault("notification_cooldown", d.NotificationCooldown)
	v.SetDefault("mark_unread_on_new_commits", false)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", "")
	v.SetDefault("metrics_enabled", d.MetricsEnabled)
}

// LoadConfig loads the configuration from a YAML or JSON file, applying
// TRAILER_* environment overrides
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Check for GitHub token in environment variable
	if envToken := os.Getenv(EnvGithubToken); envToken != "" {
		config.GitHubToken = envToken
	}

	// Make file paths absolute if they're relative
	configDir := filepath.Dir(path)
	config.DatabasePath = resolve(configDir, config.DatabasePath)
	config.ProjectsFile = resolve(configDir, config.ProjectsFile)
	if config.LogFile != "" {
		config.LogFile = resolve(configDir, config.LogFile)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if c.ProjectsFile == "" {
		errs = append(errs, errors.New("projects_file is required"))
	}
	if c.RefreshInterval < time.Second {
		errs = append(errs, fmt.Errorf("refresh_interval must be at least 1s, got %s", c.RefreshInterval))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.PageSize < 1 || c.PageSize > 100 {
		errs = append(errs, fmt.Errorf("page_size must be between 1 and 100, got %d", c.PageSize))
	}
	if c.BackoffMax < c.BackoffInitial {
		errs = append(errs, fmt.Errorf("backoff_max %s is shorter than backoff_initial %s", c.BackoffMax, c.BackoffInitial))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		errs = append(errs, fmt.Errorf("invalid log_level %q", c.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	// Check if the file already exists
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return SaveConfig(Default(), path)
}
