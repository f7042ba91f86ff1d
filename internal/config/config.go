// Package config loads service configuration from config.yaml and the
// environment.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the workflow service.
type Config struct {
	Server struct {
		Address string `mapstructure:"address"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Engine struct {
		// DefaultConcurrency bounds parallel dispatch when a workflow
		// does not set its own limit.
		DefaultConcurrency int `mapstructure:"default_concurrency"`
		// RetryBackoff is the base delay before a retry attempt;
		// doubled per attempt up to RetryBackoffCap.
		RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
		RetryBackoffCap time.Duration `mapstructure:"retry_backoff_cap"`
	} `mapstructure:"engine"`
	Agents struct {
		// BaseURL is where step dispatches are POSTed when a step's
		// agent_ref is not an absolute URL.
		BaseURL string `mapstructure:"base_url"`
	} `mapstructure:"agents"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// Load reads configuration from config.yaml and the environment.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("workflowd")
	viper.AutomaticEnv()

	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("engine.default_concurrency", 8)
	viper.SetDefault("engine.retry_backoff", "500ms")
	viper.SetDefault("engine.retry_backoff_cap", "30s")

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults and env carry it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
