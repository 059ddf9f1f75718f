package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/mentorhub/meet/internal/adapters/http"
	"github.com/mentorhub/meet/internal/adapters/rtc"
	wssignal "github.com/mentorhub/meet/internal/adapters/signal"
	"github.com/mentorhub/meet/internal/app"
	"github.com/mentorhub/meet/internal/app/orch"
	"github.com/mentorhub/meet/internal/app/sfu"
	"github.com/mentorhub/meet/internal/auth"
	"github.com/mentorhub/meet/internal/config"
	"github.com/mentorhub/meet/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	api, err := rtc.NewAPI()
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc api")
	}

	manager := app.NewChannelManager()
	reg := app.NewRegistry()
	relays := sfu.NewRelayManager()
	issuer := auth.NewIssuer(cfg.Secret, cfg.AppID, cfg.TokenTTL)

	o := &orch.Orchestrator{
		Registry: reg,
		Channels: manager,
		Policy:   app.NewStrikePolicy(cfg.SlowStrikes),
		Relays:   relays,
		Tokens:   issuer,
		AppID:    cfg.AppID,
	}

	limiter := wssignal.NewChannelRateLimiter(cfg.StreamLimit, cfg.StreamWindow)
	ctl := wssignal.NewSignalWSController(o, api)
	ctl.Limiter = limiter
	ctl.ReadLimit = cfg.ReadLimit
	ctl.PingPeriod = cfg.PingPeriod

	janitor := app.NewJanitor(manager, cfg.ReapInterval, func(name domain.ChannelName) {
		limiter.Forget(name)
	})
	if err := janitor.Start(); err != nil {
		log.Fatal().Err(err).Msg("janitor start")
	}
	go o.RunVolumeIndicator(ctx, cfg.VolumeInterval)

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Signal:   ctl,
		Issuer:   issuer,
		Channels: manager,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Meet server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	janitor.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	relays.Shutdown()
	log.Info().Msg("Server exited gracefully")
}
