package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNoRelay = errors.New("no relay for publication")

type relayKey struct {
	sid  core.SessionID
	kind domain.MediaKind
}

// RelayManager owns one Relay per published (session, kind).
type RelayManager struct {
	mu     sync.RWMutex
	relays map[relayKey]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[relayKey]*Relay),
	}
}

// StartRelay creates a new Relay for the given publisher track and starts
// its loop. A previous relay for the same kind is stopped and its
// subscribers are detached.
func (m *RelayManager) StartRelay(
	ctx context.Context,
	sid core.SessionID,
	kind domain.MediaKind,
	track *webrtc.TrackRemote,
	levelExtID uint8,
	pub core.MediaConnection,
) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("sid", string(sid)).
		Str("kind", string(kind)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, sid, kind, pub, levelExtID, cancel)

	key := relayKey{sid: sid, kind: kind}
	m.mu.Lock()
	old, replaced := m.relays[key]
	m.relays[key] = relay
	m.mu.Unlock()

	if replaced {
		logger.Info().Msg("replacing existing relay")
		m.stop(old)
	}

	logger.Info().Msg("starting relay loop")
	go func() {
		relay.loop(relayCtx, &logger)
		m.mu.Lock()
		current := m.relays[key] == relay
		if current {
			delete(m.relays, key)
		}
		m.mu.Unlock()
		if current {
			m.stop(relay)
		}
	}()
	return relay
}

// Subscribe attaches a copy of the (src, kind) relay to the dst connection
// and renegotiates it.
func (m *RelayManager) Subscribe(src core.SessionID, kind domain.MediaKind, dst core.SessionID, conn core.MediaConnection) error {
	relay, ok := m.Relay(src, kind)
	if !ok {
		return ErrNoRelay
	}
	relay.mu.RLock()
	_, exists := relay.outTracks[dst]
	relay.mu.RUnlock()
	if exists {
		return nil
	}

	local, err := webrtc.NewTrackLocalStaticRTP(relay.Src.Codec().RTPCodecCapability, string(kind), string(src))
	if err != nil {
		return fmt.Errorf("new local track: %w", err)
	}
	sender, err := conn.AddLocalTrack(local)
	if err != nil {
		return err
	}
	ot := NewOutTrack(local, sender, conn)
	relay.AddOutTrack(dst, ot)
	go readRTCP(relay, ot)

	if err := conn.Renegotiate(); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("dst_sid", string(dst)).Msg("renegotiate subscriber")
	}
	if err := relay.RequestKeyframe(); err != nil {
		log.Debug().Err(err).Str("module", "relay").Str("sid", string(src)).Msg("keyframe request")
	}
	log.Info().Str("module", "relay").Str("sid", string(src)).Str("kind", string(kind)).Str("dst_sid", string(dst)).Msg("subscribed")
	return nil
}

// readRTCP drains the subscriber's RTCP and turns keyframe requests into
// PLIs towards the publisher.
func readRTCP(relay *Relay, ot *OutTrack) {
	for {
		pkts, _, err := ot.Sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if err := relay.RequestKeyframe(); err != nil {
					return
				}
			}
		}
	}
}

// Unsubscribe detaches dst from the (src, kind) relay.
func (m *RelayManager) Unsubscribe(src core.SessionID, kind domain.MediaKind, dst core.SessionID) {
	relay, ok := m.Relay(src, kind)
	if !ok {
		return
	}
	if ot, ok := relay.RemoveOutTrack(dst); ok {
		detach(ot)
	}
}

// UnsubscribeAll drops dst from every relay without touching its connection.
func (m *RelayManager) UnsubscribeAll(dst core.SessionID) {
	m.mu.RLock()
	relays := make([]*Relay, 0, len(m.relays))
	for _, r := range m.relays {
		relays = append(relays, r)
	}
	m.mu.RUnlock()
	for _, r := range relays {
		r.RemoveOutTrack(dst)
	}
}

// StopRelay stops a relay, removes it from the manager and detaches its
// subscribers.
func (m *RelayManager) StopRelay(src core.SessionID, kind domain.MediaKind) bool {
	key := relayKey{sid: src, kind: kind}
	m.mu.Lock()
	relay, ok := m.relays[key]
	if ok {
		delete(m.relays, key)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.stop(relay)
	return true
}

// StopAll stops every relay published by src.
func (m *RelayManager) StopAll(src core.SessionID) {
	m.StopRelay(src, domain.MediaAudio)
	m.StopRelay(src, domain.MediaVideo)
}

// Shutdown stops every relay.
func (m *RelayManager) Shutdown() {
	m.mu.Lock()
	all := m.relays
	m.relays = make(map[relayKey]*Relay)
	m.mu.Unlock()
	for _, relay := range all {
		m.stop(relay)
	}
}

func (m *RelayManager) stop(relay *Relay) {
	if relay.cancel != nil {
		relay.cancel()
	}
	for _, ot := range relay.takeAll() {
		detach(ot)
	}
}

func detach(ot *OutTrack) {
	if ot.Conn == nil || ot.Conn.IsClosed() {
		return
	}
	if err := ot.Conn.RemoveLocalTrack(ot.Sender); err != nil {
		log.Debug().Err(err).Str("module", "relay").Msg("remove out track")
		return
	}
	if err := ot.Conn.Renegotiate(); err != nil {
		log.Debug().Err(err).Str("module", "relay").Msg("renegotiate after remove")
	}
}

// HasRelay reports whether src publishes kind.
func (m *RelayManager) HasRelay(src core.SessionID, kind domain.MediaKind) bool {
	_, ok := m.Relay(src, kind)
	return ok
}

func (m *RelayManager) Relay(src core.SessionID, kind domain.MediaKind) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relays[relayKey{sid: src, kind: kind}]
	return r, ok
}

// Level returns the peak audio level of src since the previous call.
func (m *RelayManager) Level(src core.SessionID) (int, bool) {
	r, ok := m.Relay(src, domain.MediaAudio)
	if !ok {
		return 0, false
	}
	return r.Level(), true
}
