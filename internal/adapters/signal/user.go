package signal

import (
	"context"

	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/signaling"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(
	ctx context.Context,
	sid core.SessionID,
	conn *WsSignalConn,
	env signaling.Envelope,
	data []byte,
) {
	var p signaling.Join
	if err := signaling.Decode(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, env.ID, signaling.CodeBadPayload, err)
		return
	}

	res, err := ctl.Orch.Join(sid, p)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("channel", p.Channel).Msg("join rejected")
		ctl.sendError(conn, env.ID, errorCode(err), err)
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("channel", string(res.Channel)).Msg("join")

	ctl.sendJSON(conn, signaling.Joined{
		Envelope: signaling.Envelope{Type: signaling.TypeJoined, ID: env.ID},
		UID:      string(res.UID),
		Channel:  string(res.Channel),
	})
	for _, pub := range res.Publications {
		ctl.sendJSON(conn, signaling.Publication{
			Envelope: signaling.Envelope{Type: signaling.TypeUserPublished},
			UID:      string(pub.SID),
			Kind:     string(pub.Kind),
		})
	}

	if err := ctl.ensureSubscriber(ctx, sid, conn); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("subscriber connection")
		ctl.sendError(conn, "", signaling.CodeNegotiation, err)
		return
	}
	ctl.Orch.OnSubscriberReady(sid)
}

// handleLeave leaves the current channel; the socket stays open.
func (ctl *SignalWSController) handleLeave(
	sid core.SessionID,
	conn *WsSignalConn,
	env signaling.Envelope,
) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Orch.KickBySID(sid, "leave")
	ctl.sendJSON(conn, signaling.Envelope{Type: signaling.TypeLeft, ID: env.ID})
}
