package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rankpipe/rankpipe-go"
)

type Config struct {
	API         APIConfig     `mapstructure:"api"`
	Leaderboard string        `mapstructure:"leaderboard"`
	Queue       QueueConfig   `mapstructure:"queue"`
	Logging     LoggingConfig `mapstructure:"logging"`
}

type APIConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	WSURL         string `mapstructure:"ws_url"`
	APIKey        string `mapstructure:"api_key"`
	TimeoutSec    int    `mapstructure:"timeout_sec"`
	RetryCount    int    `mapstructure:"retry_count"`
	RetryDelaySec int    `mapstructure:"retry_delay_sec"`
	RatePerSecond int    `mapstructure:"rate_per_second"`
}

type QueueConfig struct {
	Path     string `mapstructure:"path"`
	Capacity int    `mapstructure:"capacity"`
	TTLHours int    `mapstructure:"ttl_hours"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func loadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("api.base_url", "https://api.rankpipe.dev")
	v.SetDefault("api.ws_url", "wss://api.rankpipe.dev/v1/realtime")
	v.SetDefault("api.timeout_sec", 30)
	v.SetDefault("api.retry_count", 3)
	v.SetDefault("api.retry_delay_sec", 1)
	v.SetDefault("api.rate_per_second", 10)
	v.SetDefault("queue.path", "")
	v.SetDefault("queue.capacity", 1000)
	v.SetDefault("queue.ttl_hours", 24)
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("RANKPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("api.api_key", "RANKPIPE_API_KEY")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("rankpipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.API.APIKey == "" {
		return fmt.Errorf("api_key is required (set RANKPIPE_API_KEY env var)")
	}
	return nil
}

func (c *Config) clientConfig() rankpipe.Config {
	return rankpipe.Config{
		BaseURL:              c.API.BaseURL,
		WSURL:                c.API.WSURL,
		APIKey:               c.API.APIKey,
		DefaultLeaderboardID: c.Leaderboard,
		Timeout:              time.Duration(c.API.TimeoutSec) * time.Second,
		RetryCount:           c.API.RetryCount,
		RetryDelay:           time.Duration(c.API.RetryDelaySec) * time.Second,
		RatePerSecond:        c.API.RatePerSecond,
		QueueCapacity:        c.Queue.Capacity,
		QueueTTL:             time.Duration(c.Queue.TTLHours) * time.Hour,
		StorePath:            c.Queue.Path,
	}
}
