package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"

	"github.com/mentorhub/meet/internal/adapters/devices"
	"github.com/mentorhub/meet/internal/adapters/rtcclient"
	"github.com/mentorhub/meet/internal/adapters/tokenclient"
	"github.com/mentorhub/meet/internal/config"
	"github.com/mentorhub/meet/internal/console"
	"github.com/mentorhub/meet/internal/meeting"
)

func main() {
	fs := pflag.NewFlagSet("meet", pflag.ContinueOnError)
	config.ClientFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	cfg, err := config.LoadClient(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meet: %v\n", err)
		os.Exit(2)
	}

	hook := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}
	defer hook.Close()
	logger := zerolog.New(hook).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meet: bad log level: %v\n", err)
		os.Exit(2)
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, &logger); err != nil {
		logger.Error().Err(err).Msg("meet exited")
		fmt.Fprintf(os.Stderr, "meet: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Client, logger *zerolog.Logger) error {
	devs, err := devices.New(devices.Options{ScreenDevice: cfg.Screen, Logger: logger})
	if err != nil {
		return err
	}
	channel, err := rtcclient.New(rtcclient.Options{
		URL:        "ws://" + cfg.Server + "/api/ws/signal",
		Name:       cfg.Name,
		PingPeriod: cfg.PingPeriod,
		RecordDir:  cfg.RecordDir,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer channel.Close()
	tokens := tokenclient.New("http://" + cfg.Server)

	con := console.New(console.Options{
		In:      os.Stdin,
		Out:     os.Stdout,
		Channel: cfg.Channel,
		NewMeeting: func() (console.Meeting, error) {
			s, err := meeting.New(meeting.Options{
				Channel:        channel,
				Devices:        devs,
				AppID:          cfg.AppID,
				DisplayName:    cfg.Name,
				MaxChatPayload: cfg.MaxChat,
				Logger:         logger,
			})
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Token: func(ctx context.Context) (string, error) {
			if cfg.Token != "" {
				return cfg.Token, nil
			}
			g, err := tokens.Fetch(ctx, cfg.Channel, cfg.Name)
			if err != nil {
				return "", err
			}
			logger.Info().Str("module", "main").Str("channel", g.Channel).Time("expires_at", g.ExpiresAt).Msg("token fetched")
			return g.Token, nil
		},
		JoinTimeout: cfg.JoinTimeout,
		MaxFileSize: int64(cfg.MaxChat),
		Logger:      logger,
	})
	start := time.Now()
	err = con.Run(ctx)
	logger.Info().Str("module", "main").Dur("uptime", time.Since(start)).Msg("console stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
