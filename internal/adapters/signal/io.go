package signal

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mentorhub/meet/internal/app/orch"
	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/domain"
	"github.com/mentorhub/meet/internal/signaling"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	var ping <-chan time.Time
	if ctl.PingPeriod > 0 {
		t := time.NewTicker(ctl.PingPeriod)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Info().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		c.Close()
		if sess, ok := ctl.Orch.Registry.GetSession(sid); ok && sess.Signal() == c {
			ctl.Orch.Disconnect(sid)
		}
		cancel()
	}()

	if ctl.PingPeriod > 0 {
		pongWait := ctl.PingPeriod * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(ctx, sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sid core.SessionID, c *WsSignalConn, data []byte) {
	env, err := signaling.Peek(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "", signaling.CodeBadPayload, err)
		return
	}

	switch env.Type {
	case signaling.TypeJoin:
		ctl.handleJoin(ctx, sid, c, env, data)
	case signaling.TypeLeave:
		ctl.handleLeave(sid, c, env)
	case signaling.TypePing:
		ctl.handlePing(c, env)
	case signaling.TypePublish, signaling.TypeUnpublish:
		ctl.handlePublication(sid, c, env, data)
	case signaling.TypeStreamMessage:
		ctl.handleStreamMessage(sid, c, env, data)
	case signaling.TypeOffer:
		ctl.handleOffer(ctx, sid, c, env, data)
	case signaling.TypeAnswer:
		ctl.handleAnswer(sid, c, env, data)
	case signaling.TypeCandidate:
		ctl.handleCandidate(sid, c, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(c, env.ID, signaling.CodeUnknownType, nil)
	}
}

func (ctl *SignalWSController) sendJSON(c core.SignalConnection, v any) {
	if c == nil {
		return
	}
	b, err := signaling.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("sendJSON")
	}
}

func (ctl *SignalWSController) sendError(c core.SignalConnection, id, code string, err error) {
	msg := signaling.Error{
		Envelope: signaling.Envelope{Type: signaling.TypeError, ID: id},
		Error:    code,
	}
	if err != nil {
		msg.Message = err.Error()
	}
	ctl.sendJSON(c, msg)
}

func (ctl *SignalWSController) ack(c core.SignalConnection, id string) {
	ctl.sendJSON(c, signaling.Envelope{Type: signaling.TypeAck, ID: id})
}

// errorCode maps orchestrator and domain errors to wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, orch.ErrBadAppID):
		return signaling.CodeBadAppID
	case errors.Is(err, orch.ErrBadToken):
		return signaling.CodeBadToken
	case errors.Is(err, orch.ErrBadName):
		return signaling.CodeBadName
	case errors.Is(err, orch.ErrNotJoined):
		return signaling.CodeNotJoined
	case errors.Is(err, domain.ErrChannelNameEmpty), errors.Is(err, domain.ErrChannelNameTooLong):
		return signaling.CodeBadChannel
	case errors.Is(err, domain.ErrUnknownMediaKind):
		return signaling.CodeBadKind
	}
	return signaling.CodeInternalError
}
