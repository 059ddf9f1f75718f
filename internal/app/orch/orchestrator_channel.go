package orch

import (
	"fmt"

	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/domain"
	"github.com/mentorhub/meet/internal/signaling"
	"github.com/rs/zerolog/log"
)

type JoinResult struct {
	UID     core.SessionID
	Channel domain.ChannelName
	// Publications lists what the other members already publish.
	Publications []core.Publication
}

// Join validates the request and moves sid into the channel. A session
// already in a channel leaves it first.
func (o *Orchestrator) Join(sid core.SessionID, req signaling.Join) (*JoinResult, error) {
	if o.AppID != "" && req.AppID != o.AppID {
		return nil, ErrBadAppID
	}
	name, err := domain.ParseChannelName(req.Channel)
	if err != nil {
		return nil, err
	}
	displayName := req.Name
	if o.Tokens != nil {
		claims, err := o.Tokens.Verify(req.Token, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadToken, err)
		}
		if displayName == "" {
			displayName = claims.Name
		}
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return nil, ErrNoSession
	}
	if displayName != "" {
		if err := o.Registry.UpdateUsername(sid, displayName); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadName, err)
		}
	}

	if from, _, ok := o.Registry.ChannelOf(sid); ok {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_channel", string(from)).Msg("rejoin, leaving previous channel")
		o.KickBySID(sid, "rejoin")
	}

	ch := o.Channels.Enter(name, sid, sess)
	o.Registry.UpdateChannel(sid, name)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("channel", string(name)).Msg("added to channel")

	pubs := make([]core.Publication, 0)
	for _, p := range ch.Publications() {
		if p.SID != sid {
			pubs = append(pubs, p)
		}
	}
	return &JoinResult{UID: sid, Channel: name, Publications: pubs}, nil
}

func (o *Orchestrator) channelOf(sid core.SessionID) (core.ChannelService, error) {
	name, _, ok := o.Registry.ChannelOf(sid)
	if !ok {
		return nil, ErrNotJoined
	}
	ch, ok := o.Channels.GetChannel(name)
	if !ok {
		return nil, ErrNotJoined
	}
	return ch, nil
}

// Publish announces that sid now publishes kind.
func (o *Orchestrator) Publish(sid core.SessionID, kind domain.MediaKind) error {
	ch, err := o.channelOf(sid)
	if err != nil {
		return err
	}
	if !ch.SetPublished(sid, kind, true) {
		return nil
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("kind", string(kind)).Msg("published")
	o.broadcast(ch, sid, signaling.Publication{
		Envelope: signaling.Envelope{Type: signaling.TypeUserPublished},
		UID:      string(sid),
		Kind:     string(kind),
	})
	return nil
}

// Unpublish stops the relay for kind and announces it.
func (o *Orchestrator) Unpublish(sid core.SessionID, kind domain.MediaKind) error {
	ch, err := o.channelOf(sid)
	if err != nil {
		return err
	}
	if o.Relays != nil {
		o.Relays.StopRelay(sid, kind)
	}
	if !ch.SetPublished(sid, kind, false) {
		return nil
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("kind", string(kind)).Msg("unpublished")
	o.broadcast(ch, sid, signaling.Publication{
		Envelope: signaling.Envelope{Type: signaling.TypeUserUnpublished},
		UID:      string(sid),
		Kind:     string(kind),
	})
	return nil
}

// StreamMessage relays an opaque data stream payload to the other members.
func (o *Orchestrator) StreamMessage(sid core.SessionID, data []byte) error {
	ch, err := o.channelOf(sid)
	if err != nil {
		return err
	}
	o.broadcast(ch, sid, signaling.StreamMessage{
		Envelope: signaling.Envelope{Type: signaling.TypeStreamMessage},
		UID:      string(sid),
		Data:     data,
	})
	return nil
}

// KickBySID removes sid from its channel, tears down its media and tells
// the remaining members.
func (o *Orchestrator) KickBySID(sid core.SessionID, reason string) {
	name, _, inChannel := o.Registry.ChannelOf(sid)
	var ch core.ChannelService
	if inChannel {
		ch, inChannel = o.Channels.GetChannel(name)
	}
	if inChannel {
		ch.RemoveMember(sid)
	}
	o.Registry.RemoveChannel(sid)
	o.cleanupMedia(sid)

	if inChannel {
		o.broadcast(ch, sid, signaling.UserLeft{
			Envelope: signaling.Envelope{Type: signaling.TypeUserLeft},
			UID:      string(sid),
			Reason:   reason,
		})
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("channel", string(name)).Str("reason", reason).Msg("left channel")
	}
}

// Disconnect is called when the signaling connection of sid is gone.
func (o *Orchestrator) Disconnect(sid core.SessionID) {
	o.KickBySID(sid, "disconnected")
	o.Registry.Unbind(sid)
	if o.Policy != nil {
		o.Policy.Forget(sid)
	}
}

// EvictChannel kicks every member and stops the channel.
func (o *Orchestrator) EvictChannel(name domain.ChannelName) {
	ch, ok := o.Channels.GetChannel(name)
	if !ok {
		return
	}
	for _, m := range ch.MembersSnapshot() {
		o.KickBySID(core.SessionID(m.ID), "evicted")
	}
	o.Channels.StopChannel(name)
}
