package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration, loaded from YAML with env overrides
// for secrets and deployment paths.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Cloud    CloudConfig    `yaml:"cloud"`
	Poll     PollConfig     `yaml:"poll"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CloudConfig holds the vendor API endpoints and account credentials.
type CloudConfig struct {
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`
	APIKey       string `yaml:"api_key"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads the YAML file at path, applies defaults and env overrides,
// and validates. An empty path yields a default config (env-only setup).
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		HTTP:     HTTPConfig{Addr: ":8099"},
		Database: DatabaseConfig{Path: "/data/litterrobot_bridge.db"},
		Cloud: CloudConfig{
			BaseURL:  "https://v2.api.whisker.iothings.site",
			TokenURL: "https://autopets.sso.iothings.site/oauth/token",
		},
		Poll: PollConfig{Interval: 60 * time.Second},
		MQTT: MQTTConfig{
			ClientID:    "litterrobot-bridge",
			TopicPrefix: "litterrobot",
			QoS:         1,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func (c *Config) applyEnv() {
	overrideString(&c.HTTP.Addr, "HTTP_ADDR")
	overrideString(&c.Database.Path, "DB_PATH")
	overrideString(&c.Cloud.Username, "LR_USERNAME")
	overrideString(&c.Cloud.Password, "LR_PASSWORD")
	overrideString(&c.Cloud.ClientID, "LR_CLIENT_ID")
	overrideString(&c.Cloud.ClientSecret, "LR_CLIENT_SECRET")
	overrideString(&c.Cloud.APIKey, "LR_API_KEY")
	overrideString(&c.MQTT.Password, "MQTT_PASSWORD")
}

func (c *Config) validate() error {
	if c.Cloud.Username == "" || c.Cloud.Password == "" {
		return fmt.Errorf("cloud credentials are required (config or LR_USERNAME/LR_PASSWORD)")
	}
	if c.Cloud.ClientID == "" || c.Cloud.ClientSecret == "" {
		return fmt.Errorf("cloud client_id and client_secret are required")
	}
	if c.Poll.Interval < 10*time.Second {
		return fmt.Errorf("poll interval %s is below the 10s floor", c.Poll.Interval)
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt enabled but broker_url is empty")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	return nil
}

func overrideString(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		*target = value
	}
}
