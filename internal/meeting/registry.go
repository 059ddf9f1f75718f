package meeting

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Levels at or above this mark a participant as speaking.
const SpeakingLevel = 50

type SubscribeFunc func(ctx context.Context, uid UID, kind MediaKind) (RemoteTrack, error)

type participant struct {
	uid   UID
	audio RemoteTrack
	video RemoteTrack
	level int
}

func (p *participant) track(kind MediaKind) RemoteTrack {
	if kind == KindAudio {
		return p.audio
	}
	return p.video
}

func (p *participant) setTrack(kind MediaKind, t RemoteTrack) {
	if kind == KindAudio {
		p.audio = t
		return
	}
	p.video = t
}

type trackKey struct {
	uid  UID
	kind MediaKind
}

// ParticipantView is a read-only copy of a registry entry.
type ParticipantView struct {
	UID      UID  `yaml:"uid"`
	Audio    bool `yaml:"audio"`
	Video    bool `yaml:"video"`
	Level    int  `yaml:"level"`
	Speaking bool `yaml:"speaking"`
}

// Registry tracks remote participants from publish, unpublish and leave
// events. Unpublishing every kind keeps the participant; only a leave
// removes it.
type Registry struct {
	subscribe SubscribeFunc
	log       zerolog.Logger

	mu    sync.Mutex
	byUID map[UID]*participant
	// epoch invalidates subscriptions that complete after a newer event
	// for the same uid and kind.
	epoch map[trackKey]uint64
}

func NewRegistry(subscribe SubscribeFunc, logger zerolog.Logger) *Registry {
	return &Registry{
		subscribe: subscribe,
		log:       logger.With().Str("module", "meeting.registry").Logger(),
		byUID:     make(map[UID]*participant),
		epoch:     make(map[trackKey]uint64),
	}
}

// HandlePublished subscribes to the published kind and records the track.
// Audio starts playing immediately.
func (r *Registry) HandlePublished(ctx context.Context, uid UID, kind MediaKind) error {
	return r.Begin(uid, kind)(ctx)
}

// Begin claims the publication in event order and returns the subscription
// step, which may run later. A newer event for the same uid and kind turns
// the step into a no-op.
func (r *Registry) Begin(uid UID, kind MediaKind) func(ctx context.Context) error {
	key := trackKey{uid: uid, kind: kind}
	r.mu.Lock()
	r.epoch[key]++
	epoch := r.epoch[key]
	r.mu.Unlock()

	return func(ctx context.Context) error {
		return r.complete(ctx, key, epoch)
	}
}

func (r *Registry) complete(ctx context.Context, key trackKey, epoch uint64) error {
	uid, kind := key.uid, key.kind
	track, err := r.subscribe(ctx, uid, kind)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrSubscribe, uid, kind, err)
	}
	if kind == KindAudio {
		if err := track.Play(); err != nil {
			track.Stop()
			return fmt.Errorf("%w: play %s audio: %w", ErrSubscribe, uid, err)
		}
	}

	r.mu.Lock()
	if r.epoch[key] != epoch {
		r.mu.Unlock()
		track.Stop()
		r.log.Debug().Str("uid", string(uid)).Str("kind", string(kind)).Msg("stale subscription dropped")
		return nil
	}
	p, ok := r.byUID[uid]
	if !ok {
		p = &participant{uid: uid}
		r.byUID[uid] = p
	}
	old := p.track(kind)
	p.setTrack(kind, track)
	r.mu.Unlock()

	if old != nil && old != track {
		old.Stop()
	}
	r.log.Info().Str("uid", string(uid)).Str("kind", string(kind)).Bool("new", !ok).Msg("participant published")
	return nil
}

// HandleUnpublished drops only the kind that stopped.
func (r *Registry) HandleUnpublished(uid UID, kind MediaKind) bool {
	r.mu.Lock()
	r.epoch[trackKey{uid: uid, kind: kind}]++
	p, ok := r.byUID[uid]
	var old RemoteTrack
	if ok {
		old = p.track(kind)
		p.setTrack(kind, nil)
	}
	r.mu.Unlock()

	if old == nil {
		return false
	}
	old.Stop()
	r.log.Info().Str("uid", string(uid)).Str("kind", string(kind)).Msg("participant unpublished")
	return true
}

// HandleLeft removes the participant outright.
func (r *Registry) HandleLeft(uid UID) bool {
	r.mu.Lock()
	r.epoch[trackKey{uid: uid, kind: KindAudio}]++
	r.epoch[trackKey{uid: uid, kind: KindVideo}]++
	p, ok := r.byUID[uid]
	delete(r.byUID, uid)
	r.mu.Unlock()

	if !ok {
		return false
	}
	stopAll(p)
	r.log.Info().Str("uid", string(uid)).Msg("participant left")
	return true
}

func (r *Registry) HandleVolume(levels []VolumeLevel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for _, l := range levels {
		p, ok := r.byUID[l.UID]
		if !ok || p.level == l.Level {
			continue
		}
		p.level = l.Level
		changed = true
	}
	return changed
}

// Clear stops every remote track and forgets all participants.
func (r *Registry) Clear() {
	r.mu.Lock()
	all := make([]*participant, 0, len(r.byUID))
	for _, p := range r.byUID {
		all = append(all, p)
	}
	clear(r.byUID)
	for key := range r.epoch {
		r.epoch[key]++
	}
	r.mu.Unlock()

	for _, p := range all {
		stopAll(p)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUID)
}

func (r *Registry) Get(uid UID) (ParticipantView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byUID[uid]
	if !ok {
		return ParticipantView{}, false
	}
	return viewOf(p), true
}

// Snapshot returns participants ordered by identifier.
func (r *Registry) Snapshot() []ParticipantView {
	r.mu.Lock()
	out := make([]ParticipantView, 0, len(r.byUID))
	for _, p := range r.byUID {
		out = append(out, viewOf(p))
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b ParticipantView) int { return strings.Compare(string(a.UID), string(b.UID)) })
	return out
}

func viewOf(p *participant) ParticipantView {
	return ParticipantView{
		UID:      p.uid,
		Audio:    p.audio != nil,
		Video:    p.video != nil,
		Level:    p.level,
		Speaking: p.level >= SpeakingLevel,
	}
}

func stopAll(p *participant) {
	if p.audio != nil {
		p.audio.Stop()
	}
	if p.video != nil {
		p.video.Stop()
	}
}
