package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/mentorhub/meet/internal/adapters/rtc"
	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errUnknownTarget = errors.New("unknown negotiation target")

func webrtcConfig() webrtc.Configuration { return rtc.DefaultWebRTCConfig() }

func (ctl *SignalWSController) sendCandidate(c *WsSignalConn, target string, ci webrtc.ICECandidateInit) {
	ctl.sendJSON(c, signaling.Candidate{
		Envelope:         signaling.Envelope{Type: signaling.TypeCandidate},
		Target:           target,
		ICECandidateInit: ci,
	})
}

func (ctl *SignalWSController) newConnection(ctx context.Context, sid core.SessionID, conn *WsSignalConn, target string) (*rtc.WebRTCConnection, error) {
	wc, err := rtc.NewWebRTCConnection(ctl.API, ctl.RTCConfig, sid, target)
	if err != nil {
		return nil, err
	}
	wc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		ctl.sendCandidate(conn, target, ci)
	})
	if err := wc.Start(ctx); err != nil {
		wc.Close()
		return nil, fmt.Errorf("webrtc start: %w", err)
	}
	return wc, nil
}

// ensureSubscriber creates the server-offering connection that carries
// relayed media to sid.
func (ctl *SignalWSController) ensureSubscriber(ctx context.Context, sid core.SessionID, conn *WsSignalConn) error {
	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok {
		return errors.New("no session")
	}
	if sub := sess.Subscriber(); sub != nil && !sub.IsClosed() {
		return nil
	}
	wc, err := ctl.newConnection(ctx, sid, conn, signaling.TargetSubscriber)
	if err != nil {
		return err
	}
	wc.OnOffer(func(offer webrtc.SessionDescription) {
		ctl.sendJSON(conn, signaling.SDP{
			Envelope: signaling.Envelope{Type: signaling.TypeOffer},
			Target:   signaling.TargetSubscriber,
			SDP:      offer.SDP,
		})
	})
	ctl.Orch.BindSubscriber(wc, sid)
	sess.UpdateSubscriber(wc)
	return nil
}

func (ctl *SignalWSController) handleOffer(
	ctx context.Context,
	sid core.SessionID,
	conn *WsSignalConn,
	env signaling.Envelope,
	data []byte,
) {
	var p signaling.SDP
	if err := signaling.Decode(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
		ctl.sendError(conn, env.ID, signaling.CodeBadPayload, err)
		return
	}
	if p.Target != signaling.TargetPublisher {
		ctl.sendError(conn, env.ID, signaling.CodeBadPayload, errUnknownTarget)
		return
	}
	if _, _, ok := ctl.Orch.Registry.ChannelOf(sid); !ok {
		ctl.sendError(conn, env.ID, signaling.CodeNotJoined, nil)
		return
	}
	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok {
		return
	}

	pub := sess.Publisher()
	if pub == nil || pub.IsClosed() {
		wc, err := ctl.newConnection(ctx, sid, conn, signaling.TargetPublisher)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("webrtc new pc")
			ctl.sendError(conn, env.ID, signaling.CodeNegotiation, err)
			return
		}
		ctl.Orch.BindPublisher(wc, sid)
		sess.UpdatePublisher(wc)
		pub = wc
	}

	answer, err := pub.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc apply offer")
		ctl.sendError(conn, env.ID, signaling.CodeNegotiation, err)
		return
	}

	ctl.sendJSON(conn, signaling.SDP{
		Envelope: signaling.Envelope{Type: signaling.TypeAnswer, ID: env.ID},
		Target:   signaling.TargetPublisher,
		SDP:      answer.SDP,
	})
}

func (ctl *SignalWSController) handleAnswer(
	sid core.SessionID,
	conn *WsSignalConn,
	env signaling.Envelope,
	data []byte,
) {
	var p signaling.SDP
	if err := signaling.Decode(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad answer payload")
		ctl.sendError(conn, env.ID, signaling.CodeBadPayload, err)
		return
	}
	var mc core.MediaConnection
	if p.Target == signaling.TargetSubscriber {
		mc = ctl.connection(sid, p.Target)
	}
	if mc == nil {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("target", p.Target).Msg("answer: no subscriber connection")
		return
	}
	if err := mc.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc apply answer")
		ctl.sendError(conn, env.ID, signaling.CodeNegotiation, err)
	}
}

func (ctl *SignalWSController) handleCandidate(
	sid core.SessionID,
	_ *WsSignalConn,
	data []byte,
) {
	var p signaling.Candidate
	if err := signaling.Decode(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		return
	}
	mc := ctl.connection(sid, p.Target)
	if mc == nil {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("target", p.Target).Msg("candidate: no media connection for")
		return
	}
	if err := mc.AddICECandidate(p.ICECandidateInit); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("add ice candidate")
	}
}

func (ctl *SignalWSController) connection(sid core.SessionID, target string) core.MediaConnection {
	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok {
		return nil
	}
	switch target {
	case signaling.TargetPublisher:
		return sess.Publisher()
	case signaling.TargetSubscriber:
		return sess.Subscriber()
	}
	return nil
}
