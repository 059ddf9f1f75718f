package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the channel server configuration.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	AppID    string        `mapstructure:"app_id"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`

	VolumeInterval time.Duration `mapstructure:"volume_interval"`
	ReapInterval   time.Duration `mapstructure:"reap_interval"`
	// StreamLimit stream messages are allowed per channel in any StreamWindow.
	StreamLimit  int           `mapstructure:"stream_limit"`
	StreamWindow time.Duration `mapstructure:"stream_window"`
	SlowStrikes  int           `mapstructure:"slow_strikes"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setServerDefaults(v)
	v.SetEnvPrefix("MEET")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	cfg, err := decodeServer(v)
	if err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | App: %s\n", cfg.Mode, cfg.Port, cfg.AppID)
	return cfg, nil
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("app_id", "meet")
	v.SetDefault("token_ttl", "2h")
	v.SetDefault("volume_interval", "500ms")
	v.SetDefault("reap_interval", "1m")
	v.SetDefault("stream_limit", 40)
	v.SetDefault("stream_window", "2s")
	v.SetDefault("slow_strikes", 3)
}

func decodeServer(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("secret must not be empty")
	}
	if cfg.AppID == "" {
		return nil, fmt.Errorf("app_id must not be empty")
	}
	return &cfg, nil
}
