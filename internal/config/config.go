package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	RPS     int  `mapstructure:"rps"`
	Burst   int  `mapstructure:"burst"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type MQTTConfig struct {
	BrokerURL   string `mapstructure:"broker_url"`
	StatusTopic string `mapstructure:"status_topic"`
}

type CallbackConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type Config struct {
	ListenAddr      string          `mapstructure:"listen_addr"`
	ServerBURL      string          `mapstructure:"server_b_url"`
	DirectoryURL    string          `mapstructure:"directory_url"`
	DirectoryAction string          `mapstructure:"directory_action"`
	SchedulerURL    string          `mapstructure:"scheduler_url"`
	PollInterval    time.Duration   `mapstructure:"poll_interval"`
	CommandTimeout  time.Duration   `mapstructure:"command_timeout"`
	LookupTimeout   time.Duration   `mapstructure:"lookup_timeout"`
	PollTimeout     time.Duration   `mapstructure:"poll_timeout"`
	LogLevel        string          `mapstructure:"log_level"`
	LogFormat       string          `mapstructure:"log_format"`
	AllowedOrigins  []string        `mapstructure:"allowed_origins"`
	Redis           RedisConfig     `mapstructure:"redis"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	MQTT            MQTTConfig      `mapstructure:"mqtt"`
	Callback        CallbackConfig  `mapstructure:"callback"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8765")
	v.SetDefault("server_b_url", "https://iot-gateway-89zp.onrender.com/command")
	v.SetDefault("directory_url", "")
	v.SetDefault("directory_action", "get_device")
	v.SetDefault("scheduler_url", "")
	v.SetDefault("poll_interval", 60*time.Second)
	v.SetDefault("command_timeout", 10*time.Second)
	v.SetDefault("lookup_timeout", 10*time.Second)
	v.SetDefault("poll_timeout", 10*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 5)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.status_topic", "relay/device/status/+")
	v.SetDefault("callback.jwt_secret", "")
}

// Load reads an optional YAML file and overlays environment variables
// (redis.addr <- REDIS_ADDR). A .env file in the working directory is
// loaded first when present.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Hosting platforms hand out a bare port.
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && os.Getenv("LISTEN_ADDR") == "" {
		cfg.ListenAddr = ":" + port
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServerBURL) == "" {
		return errors.New("server_b_url is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be > 0")
	}
	if c.CommandTimeout <= 0 {
		return errors.New("command_timeout must be > 0")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New("rate_limit rps and burst must be > 0")
	}
	return nil
}
