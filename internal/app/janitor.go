package app

import (
	"fmt"
	"time"

	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/domain"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Janitor periodically stops channels nobody is in.
type Janitor struct {
	cron     *cron.Cron
	channels core.ChannelManager
	every    time.Duration
	onStop   func(domain.ChannelName)
}

// NewJanitor builds a janitor; onStop runs for every reaped channel and may be nil.
func NewJanitor(channels core.ChannelManager, every time.Duration, onStop func(domain.ChannelName)) *Janitor {
	return &Janitor{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		channels: channels,
		every:    every,
		onStop:   onStop,
	}
}

func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(fmt.Sprintf("@every %s", j.every), func() { j.Sweep() }); err != nil {
		return fmt.Errorf("register channel sweep: %w", err)
	}
	j.cron.Start()
	log.Info().Str("module", "app.janitor").Dur("every", j.every).Msg("channel janitor started")
	return nil
}

func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	log.Info().Str("module", "app.janitor").Msg("channel janitor stopped")
}

// Sweep stops empty channels and returns how many were removed.
func (j *Janitor) Sweep() int {
	n := 0
	for _, info := range j.channels.List() {
		if info.MemberCount > 0 || !j.channels.StopIfEmpty(info.Name) {
			continue
		}
		n++
		if j.onStop != nil {
			j.onStop(info.Name)
		}
		log.Info().Str("module", "app.janitor").Str("channel", string(info.Name)).Msg("reaped empty channel")
	}
	return n
}
