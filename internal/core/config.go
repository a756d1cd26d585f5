package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/waste-sorter/internal/backend/imaging"
	"github.com/jo-hoe/waste-sorter/internal/backend/rig"
	"github.com/jo-hoe/waste-sorter/internal/backend/uploader"
)

type Database struct {
	Type             string `yaml:"type"`
	ConnectionString string `yaml:"connectionString"`
}

// RigConfig describes the serial link to the sorting hardware.
type RigConfig struct {
	SerialPort        string `yaml:"serialPort"`
	BaudRate          int    `yaml:"baudRate"`
	AckTimeoutSeconds int    `yaml:"ackTimeoutSeconds"`
	CooldownSeconds   int    `yaml:"cooldownSeconds"`
}

type RewardsConfig struct {
	TokenValueUSD float64 `yaml:"tokenValueUsd"`
	// Username is logged in automatically by the controller so sorted
	// cans earn tokens without a dashboard session.
	Username string `yaml:"username"`
}

type UploadConfig struct {
	ServerURL          string `yaml:"serverUrl"`
	APIKey             string `yaml:"apiKey"`
	IntervalMinutes    int    `yaml:"intervalMinutes"`
	MaxEventsPerUpload int    `yaml:"maxEventsPerUpload"`
	RetryAttempts      int    `yaml:"retryAttempts"`
	RetryDelaySeconds  int    `yaml:"retryDelaySeconds"`
	StatePath          string `yaml:"statePath"`
}

// CacheConfig enables the optional Redis cache for dashboard totals.
// An empty address disables caching entirely.
type CacheConfig struct {
	Address    string `yaml:"address"`
	Password   string `yaml:"password"`
	TTLSeconds int    `yaml:"ttlSeconds"`
}

type ServiceConfig struct {
	Port          int           `yaml:"port"`
	Database      Database      `yaml:"database"`
	ThumbnailSize int           `yaml:"thumbnailSize"`
	Rig           RigConfig     `yaml:"rig"`
	Rewards       RewardsConfig `yaml:"rewards"`
	Upload        UploadConfig  `yaml:"upload"`
	Cache         CacheConfig   `yaml:"cache"`
}

// LoadConfig loads configuration from the specified YAML file
func LoadConfig(configPath string) (*ServiceConfig, error) {
	// Read the config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Parse YAML
	var config ServiceConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func applyDefaults(config *ServiceConfig) {
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.Database.Type == "" {
		config.Database.Type = "sqlite"
	}
	if config.Database.ConnectionString == "" {
		config.Database.ConnectionString = "waste-sorter.db"
	}
	if config.ThumbnailSize == 0 {
		config.ThumbnailSize = imaging.DefaultThumbnailSize
	}
	if config.Rig.BaudRate == 0 {
		config.Rig.BaudRate = 9600
	}
	if config.Rewards.TokenValueUSD == 0 {
		config.Rewards.TokenValueUSD = 0.05
	}
}

func validateConfig(config *ServiceConfig) error {
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("port %d is out of range", config.Port)
	}
	if config.ThumbnailSize < 1 {
		return fmt.Errorf("thumbnail size %d is out of range", config.ThumbnailSize)
	}
	if config.Rewards.TokenValueUSD < 0 {
		return fmt.Errorf("token value must not be negative, got %f", config.Rewards.TokenValueUSD)
	}
	if config.Cache.Address != "" && config.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache ttl must not be negative, got %d", config.Cache.TTLSeconds)
	}
	return nil
}

// ControllerConfig maps the YAML rig section onto the controller
// configuration. Zero values fall back to controller defaults.
func (config *RigConfig) ControllerConfig() rig.Config {
	return rig.Config{
		AckTimeout: time.Duration(config.AckTimeoutSeconds) * time.Second,
		Cooldown:   time.Duration(config.CooldownSeconds) * time.Second,
	}
}

// UploaderConfig maps the YAML upload section onto the uploader
// configuration. Zero values fall back to uploader defaults.
func (config *UploadConfig) UploaderConfig() uploader.Config {
	return uploader.Config{
		ServerURL:          config.ServerURL,
		APIKey:             config.APIKey,
		Interval:           time.Duration(config.IntervalMinutes) * time.Minute,
		MaxEventsPerUpload: config.MaxEventsPerUpload,
		RetryAttempts:      config.RetryAttempts,
		RetryDelay:         time.Duration(config.RetryDelaySeconds) * time.Second,
		StatePath:          config.StatePath,
	}
}
