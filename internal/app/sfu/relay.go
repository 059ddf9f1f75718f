package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type Relay struct {
	Src  *webrtc.TrackRemote
	SID  core.SessionID
	Kind domain.MediaKind
	// Pub is the publisher connection the source arrives on.
	Pub core.MediaConnection

	level *levelMeter

	mu        sync.RWMutex
	outTracks map[core.SessionID]*OutTrack

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(src *webrtc.TrackRemote, sid core.SessionID, kind domain.MediaKind, pub core.MediaConnection, levelExtID uint8, cancel context.CancelFunc) *Relay {
	r := &Relay{
		Src:       src,
		SID:       sid,
		Kind:      kind,
		Pub:       pub,
		outTracks: make(map[core.SessionID]*OutTrack),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if kind == domain.MediaAudio {
		r.level = &levelMeter{extID: levelExtID}
	}
	return r
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		r.level.observe(pkt)
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	dirty := make([]core.SessionID, 0, len(snapshot))
	for dstSID, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dstSID)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("dst_sid", string(dstSID)).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dstSID)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sid := range dirty {
		if ot, ok := r.outTracks[sid]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, sid)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(dst core.SessionID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[dst] = ot
}

// RemoveOutTrack detaches dst and returns its OutTrack.
func (r *Relay) RemoveOutTrack(dst core.SessionID) (*OutTrack, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ot, ok := r.outTracks[dst]
	if ok {
		ot.MarkDelete()
		delete(r.outTracks, dst)
	}
	return ot, ok
}

func (r *Relay) takeAll() []*OutTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*OutTrack, 0, len(r.outTracks))
	for sid, ot := range r.outTracks {
		ot.MarkDelete()
		out = append(out, ot)
		delete(r.outTracks, sid)
	}
	return out
}

func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}

// Level returns the peak audio level since the previous call.
func (r *Relay) Level() int { return r.level.Take() }

// RequestKeyframe asks the publisher for a new keyframe.
func (r *Relay) RequestKeyframe() error {
	if r.Kind != domain.MediaVideo || r.Pub == nil {
		return nil
	}
	return r.Pub.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(r.Src.SSRC())}})
}
