package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Client is the terminal meeting client configuration.
type Client struct {
	Server      string        `mapstructure:"server"`
	AppID       string        `mapstructure:"app_id"`
	Channel     string        `mapstructure:"channel"`
	Name        string        `mapstructure:"name"`
	Token       string        `mapstructure:"token"`
	LogFile     string        `mapstructure:"log_file"`
	LogLevel    string        `mapstructure:"log_level"`
	RecordDir   string        `mapstructure:"record_dir"`
	MaxChat     int           `mapstructure:"max_chat"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
	Screen      string        `mapstructure:"screen"`
}

// ClientFlags registers the client flags on fs.
func ClientFlags(fs *pflag.FlagSet) {
	fs.StringP("server", "s", "localhost:8080", "channel server host:port")
	fs.String("app-id", "meet", "application identifier")
	fs.StringP("channel", "c", "", "channel to join")
	fs.StringP("name", "n", "guest", "display name")
	fs.String("token", "", "access token (fetched from the server when empty)")
	fs.String("log-file", "meet.log", "log file")
	fs.String("log-level", "info", "log level")
	fs.String("record-dir", "", "directory for received media (disabled when empty)")
	fs.Int("max-chat", 64<<10, "max encoded chat message size in bytes")
	fs.Duration("ping-period", 20*time.Second, "signaling keepalive period")
	fs.Duration("join-timeout", 30*time.Second, "join timeout")
	fs.String("screen", "", "screen capture device label (first screen when empty)")
}

// LoadClient reads the parsed flags with MEET_* environment overrides.
func LoadClient(fs *pflag.FlagSet) (*Client, error) {
	v := viper.New()
	v.SetEnvPrefix("MEET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, fmt.Errorf("bind flags: %w", bindErr)
	}

	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("channel is required")
	}
	if cfg.Server == "" {
		return nil, fmt.Errorf("server is required")
	}
	return &cfg, nil
}
