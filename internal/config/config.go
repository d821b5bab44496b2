// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from config.yaml.
type Config struct {
	Platform string         `yaml:"platform"` // "discord" or "slack"
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
	DB       DBConfig       `yaml:"db"`
	Feed     FeedConfig     `yaml:"feed"`
	Reminder ReminderConfig `yaml:"reminder"`
	Digest   DigestConfig   `yaml:"digest"`
}

// DiscordConfig holds Discord bot credentials and the operator channel.
type DiscordConfig struct {
	BotToken          string `yaml:"bot_token"`
	OperatorChannelID string `yaml:"operator_channel_id"`
}

// SlackConfig holds Slack Socket Mode credentials and the operator channel.
type SlackConfig struct {
	AppToken          string `yaml:"app_token"`
	BotToken          string `yaml:"bot_token"`
	OperatorChannelID string `yaml:"operator_channel_id"`
}

// DBConfig holds connection settings for the MySQL server.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// FeedConfig tunes the change listener and its reconnect behavior.
type FeedConfig struct {
	PollIntervalSec     int `yaml:"poll_interval_sec"`
	MaxRetries          int `yaml:"max_retries"`
	SubscribeTimeoutSec int `yaml:"subscribe_timeout_sec"`
	HealthIntervalMin   int `yaml:"health_interval_min"`
	StaleAfterMin       int `yaml:"stale_after_min"`
}

// ReminderConfig tunes appointment reminders.
type ReminderConfig struct {
	LeadMinutes int `yaml:"lead_minutes"`
}

// DigestConfig controls the daily stats digest.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"` // 5-field cron expression
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Platform == "" {
		c.Platform = "discord"
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.Database == "" {
		c.DB.Database = "switchboard"
	}
	if c.Feed.PollIntervalSec == 0 {
		c.Feed.PollIntervalSec = 5
	}
	if c.Feed.MaxRetries == 0 {
		c.Feed.MaxRetries = 5
	}
	if c.Feed.SubscribeTimeoutSec == 0 {
		c.Feed.SubscribeTimeoutSec = 15
	}
	if c.Feed.HealthIntervalMin == 0 {
		c.Feed.HealthIntervalMin = 5
	}
	if c.Feed.StaleAfterMin == 0 {
		c.Feed.StaleAfterMin = 15
	}
	if c.Reminder.LeadMinutes == 0 {
		c.Reminder.LeadMinutes = 45
	}
	if c.Digest.Cron == "" {
		c.Digest.Cron = "0 9 * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case "discord":
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required")
		}
		if c.Discord.OperatorChannelID == "" {
			errs = append(errs, "discord.operator_channel_id is required")
		}
	case "slack":
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
		if c.Slack.OperatorChannelID == "" {
			errs = append(errs, "slack.operator_channel_id is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("platform must be \"discord\" or \"slack\", got %q", c.Platform))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
