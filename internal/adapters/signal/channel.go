package signal

import (
	"errors"

	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/domain"
	"github.com/mentorhub/meet/internal/signaling"
	"github.com/rs/zerolog/log"
)

var errRateLimited = errors.New("too many stream messages")

func (ctl *SignalWSController) handlePublication(
	sid core.SessionID,
	conn *WsSignalConn,
	env signaling.Envelope,
	data []byte,
) {
	var p signaling.Publication
	if err := signaling.Decode(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad publication payload")
		ctl.sendError(conn, env.ID, signaling.CodeBadPayload, err)
		return
	}
	kind, err := domain.ParseMediaKind(p.Kind)
	if err != nil {
		ctl.sendError(conn, env.ID, signaling.CodeBadKind, err)
		return
	}
	if env.Type == signaling.TypePublish {
		err = ctl.Orch.Publish(sid, kind)
	} else {
		err = ctl.Orch.Unpublish(sid, kind)
	}
	if err != nil {
		ctl.sendError(conn, env.ID, errorCode(err), err)
		return
	}
	ctl.ack(conn, env.ID)
}

func (ctl *SignalWSController) handleStreamMessage(
	sid core.SessionID,
	conn *WsSignalConn,
	env signaling.Envelope,
	data []byte,
) {
	var p signaling.StreamMessage
	if err := signaling.Decode(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad stream payload")
		ctl.sendError(conn, env.ID, signaling.CodeBadPayload, err)
		return
	}
	name, _, ok := ctl.Orch.Registry.ChannelOf(sid)
	if !ok {
		ctl.sendError(conn, env.ID, signaling.CodeNotJoined, nil)
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(name) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("channel", string(name)).Msg("stream message rate limited")
		ctl.sendError(conn, env.ID, signaling.CodeRateLimited, errRateLimited)
		return
	}
	if err := ctl.Orch.StreamMessage(sid, p.Data); err != nil {
		ctl.sendError(conn, env.ID, errorCode(err), err)
		return
	}
	ctl.ack(conn, env.ID)
}
