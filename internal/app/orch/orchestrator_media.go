package orch

import (
	"context"
	"time"

	"github.com/mentorhub/meet/internal/app/sfu"
	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/domain"
	"github.com/mentorhub/meet/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var mediaKinds = []domain.MediaKind{domain.MediaAudio, domain.MediaVideo}

// BindPublisher wires the publisher connection of sid to the relays.
func (o *Orchestrator) BindPublisher(mc core.MediaConnection, sid core.SessionID) {
	mc.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		o.OnTrack(trackCtx, sid, track, receiver)
	})
	mc.OnClosed(func() { o.OnPublisherClosed(sid, mc) })
}

// BindSubscriber wires the subscriber connection of sid.
func (o *Orchestrator) BindSubscriber(mc core.MediaConnection, sid core.SessionID) {
	mc.OnClosed(func() { o.OnSubscriberClosed(sid, mc) })
}

// OnPublisherClosed drops everything sid was publishing.
func (o *Orchestrator) OnPublisherClosed(sid core.SessionID, mc core.MediaConnection) {
	sess, ok := o.Registry.GetSession(sid)
	if ok && sess.Publisher() == mc {
		sess.UpdatePublisher(nil)
	}
	for _, kind := range mediaKinds {
		if err := o.Unpublish(sid, kind); err != nil {
			if o.Relays != nil {
				o.Relays.StopRelay(sid, kind)
			}
		}
	}
}

func (o *Orchestrator) OnSubscriberClosed(sid core.SessionID, mc core.MediaConnection) {
	sess, ok := o.Registry.GetSession(sid)
	if ok && sess.Subscriber() == mc {
		sess.UpdateSubscriber(nil)
	}
	if o.Relays != nil {
		o.Relays.UnsubscribeAll(sid)
	}
}

func (o *Orchestrator) cleanupMedia(sid core.SessionID) {
	if o.Relays != nil {
		o.Relays.StopAll(sid)
		o.Relays.UnsubscribeAll(sid)
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	if mc := sess.Publisher(); mc != nil {
		sess.UpdatePublisher(nil)
		mc.Close()
	}
	if mc := sess.Subscriber(); mc != nil {
		sess.UpdateSubscriber(nil)
		mc.Close()
	}
}

// OnTrack starts a relay for a new publisher track and subscribes every
// other member of the channel to it.
func (o *Orchestrator) OnTrack(ctx context.Context, sid core.SessionID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if o.Relays == nil {
		return
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Publisher() == nil {
		return
	}
	kind := domain.MediaAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.MediaVideo
	}
	o.Relays.StartRelay(ctx, sid, kind, track, sfu.AudioLevelExtensionID(receiver), sess.Publisher())

	ch, err := o.channelOf(sid)
	if err != nil {
		log.Info().
			Str("module", "sfu").
			Str("sid", string(sid)).
			Msg("OnTrack: no channel for sid")
		return
	}
	for _, m := range ch.MembersSnapshot() {
		dst := core.SessionID(m.ID)
		if dst == sid {
			continue
		}
		o.subscribe(sid, kind, dst)
	}
}

func (o *Orchestrator) subscribe(src core.SessionID, kind domain.MediaKind, dst core.SessionID) {
	sess, ok := o.Registry.GetSession(dst)
	if !ok {
		return
	}
	sub := sess.Subscriber()
	if sub == nil || sub.IsClosed() {
		return
	}
	if err := o.Relays.Subscribe(src, kind, dst, sub); err != nil {
		log.Warn().Err(err).
			Str("module", "sfu").
			Str("sid", string(src)).
			Str("dst_sid", string(dst)).
			Msg("subscribe failed")
	}
}

// OnSubscriberReady subscribes sid to every relay already running in its
// channel.
func (o *Orchestrator) OnSubscriberReady(sid core.SessionID) {
	if o.Relays == nil {
		return
	}
	ch, err := o.channelOf(sid)
	if err != nil {
		return
	}
	for _, m := range ch.MembersSnapshot() {
		src := core.SessionID(m.ID)
		if src == sid {
			continue
		}
		for _, kind := range mediaKinds {
			if o.Relays.HasRelay(src, kind) {
				o.subscribe(src, kind, sid)
			}
		}
	}
}

// RunVolumeIndicator broadcasts audio levels to every channel with at
// least one audio relay until ctx is done.
func (o *Orchestrator) RunVolumeIndicator(ctx context.Context, every time.Duration) {
	if o.Relays == nil || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.emitVolumes()
		}
	}
}

func (o *Orchestrator) emitVolumes() {
	for _, info := range o.Channels.List() {
		ch, ok := o.Channels.GetChannel(info.Name)
		if !ok {
			continue
		}
		var levels []signaling.Level
		for _, m := range ch.MembersSnapshot() {
			lvl, ok := o.Relays.Level(core.SessionID(m.ID))
			if !ok {
				continue
			}
			levels = append(levels, signaling.Level{UID: string(m.ID), Level: lvl})
		}
		if len(levels) == 0 {
			continue
		}
		o.broadcast(ch, "", signaling.VolumeIndicator{
			Envelope: signaling.Envelope{Type: signaling.TypeVolumeIndicator},
			Levels:   levels,
		})
	}
}
