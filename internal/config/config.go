package config

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/spf13/viper"
)

type Config struct {
	Env          string `mapstructure:"ENV"`
	InstanceName string `mapstructure:"INSTANCE_NAME"`
	ClientID     string `mapstructure:"CLIENT_ID"`
	ClientSecret string `mapstructure:"CLIENT_SECRET"`

	// Where migration artifacts (input CSVs, identifier maps, ledgers,
	// validation reports) live. For the local driver this is a directory;
	// for s3 it is a key prefix inside the bucket.
	DataDir       string `mapstructure:"DATA_DIR"`
	StorageDriver string `mapstructure:"STORAGE_DRIVER"`
	S3Bucket      string `mapstructure:"S3_BUCKET"`
	S3Region      string `mapstructure:"S3_REGION"`
	S3Endpoint    string `mapstructure:"S3_ENDPOINT"`
	S3PathStyle   bool   `mapstructure:"S3_PATH_STYLE"`

	Delimiter          string `mapstructure:"DELIMITER"`
	HTTPTimeoutSeconds int    `mapstructure:"HTTP_TIMEOUT_SECONDS"`
	MaxRetries         int    `mapstructure:"MAX_RETRIES"`

	// Destination keys used when a row does not carry its own: the
	// integration bot practitioner and the practice location that
	// data-migration notes are filed under.
	BotProviderKey string `mapstructure:"BOT_PROVIDER_KEY"`
	LocationKey    string `mapstructure:"LOCATION_KEY"`
	NoteTypeName   string `mapstructure:"NOTE_TYPE_NAME"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("DATA_DIR", "data_migration")
	v.SetDefault("STORAGE_DRIVER", "local")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("DELIMITER", "|")
	v.SetDefault("HTTP_TIMEOUT_SECONDS", 30)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("NOTE_TYPE_NAME", "Historical Data Migration")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("INSTANCE_NAME")
	v.BindEnv("CLIENT_ID")
	v.BindEnv("CLIENT_SECRET")
	v.BindEnv("DATA_DIR")
	v.BindEnv("STORAGE_DRIVER")
	v.BindEnv("S3_BUCKET")
	v.BindEnv("S3_REGION")
	v.BindEnv("S3_ENDPOINT")
	v.BindEnv("S3_PATH_STYLE")
	v.BindEnv("DELIMITER")
	v.BindEnv("HTTP_TIMEOUT_SECONDS")
	v.BindEnv("MAX_RETRIES")
	v.BindEnv("BOT_PROVIDER_KEY")
	v.BindEnv("LOCATION_KEY")
	v.BindEnv("NOTE_TYPE_NAME")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// DelimiterRune returns the configured field delimiter as a rune.
func (c *Config) DelimiterRune() rune {
	r, _ := utf8.DecodeRuneInString(c.Delimiter)
	return r
}

// Validate checks that the configuration is usable before a run starts.
// Credentials are required because every load talks to the destination API;
// a misconfigured storage driver should fail here, not mid-migration.
func (c *Config) Validate() error {
	if c.InstanceName == "" {
		return fmt.Errorf("INSTANCE_NAME is required")
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("CLIENT_ID and CLIENT_SECRET are required to authenticate against %q", c.InstanceName)
	}

	switch strings.ToLower(c.StorageDriver) {
	case "local":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_DRIVER is \"s3\"")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be \"local\" or \"s3\", got %q", c.StorageDriver)
	}

	if utf8.RuneCountInString(c.Delimiter) != 1 {
		return fmt.Errorf("DELIMITER must be a single character, got %q", c.Delimiter)
	}
	if c.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT_SECONDS must be positive, got %d", c.HTTPTimeoutSeconds)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}

	return nil
}
