package orch

import (
	"errors"

	"github.com/mentorhub/meet/internal/app"
	"github.com/mentorhub/meet/internal/app/sfu"
	"github.com/mentorhub/meet/internal/auth"
	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/domain"
	"github.com/mentorhub/meet/internal/signaling"
	"github.com/rs/zerolog/log"
)

var (
	ErrBadAppID  = errors.New("unknown app id")
	ErrBadToken  = errors.New("token rejected")
	ErrBadName   = errors.New("invalid display name")
	ErrNotJoined = errors.New("not in a channel")
	ErrNoSession = errors.New("no signaling session")
)

type TokenVerifier interface {
	Verify(raw string, channel domain.ChannelName) (*auth.Claims, error)
}

type Orchestrator struct {
	Registry *app.Registry
	Channels core.ChannelManager
	Policy   app.Policy
	Relays   *sfu.RelayManager
	// Tokens verifies join tokens; nil accepts any token.
	Tokens TokenVerifier
	// AppID must match the join request when set.
	AppID string
}

// broadcast sends v to every member of ch except from and applies the
// backpressure policy to members whose queue is full.
func (o *Orchestrator) broadcast(ch core.ChannelService, from core.SessionID, v any) {
	frame, err := signaling.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("broadcast encode")
		return
	}
	res := ch.Broadcast(from, frame)
	if o.Policy == nil || len(res.Dropped) == 0 {
		return
	}
	env, _ := signaling.Peek(frame)
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(ch, slow, env.Type) {
		case app.KickMember:
			sid := core.SessionID(slow.Meta().User.ID)
			log.Warn().Str("module", "orch").Str("sid", string(sid)).Msg("kicking slow member")
			o.Registry.Cancel(sid)
		case app.MarkSlow:
			log.Debug().Str("module", "orch").Str("sid", string(slow.Meta().User.ID)).Str("type", env.Type).Msg("frame dropped for slow member")
		case app.DropFrame, app.NoAction:
		}
	}
}

// Send delivers v to a single session.
func (o *Orchestrator) Send(sid core.SessionID, v any) error {
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Signal() == nil {
		return ErrNoSession
	}
	frame, err := signaling.Encode(v)
	if err != nil {
		return err
	}
	return sess.Signal().TrySend(frame)
}
