package rtcclient

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/mentorhub/meet/internal/meeting"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

type remoteKey struct {
	uid  meeting.UID
	kind meeting.MediaKind
}

func kindOf(track *webrtc.TrackRemote) meeting.MediaKind {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		return meeting.KindVideo
	}
	return meeting.KindAudio
}

// remoteSet holds the tracks received on the subscriber connection until
// someone subscribes to them.
type remoteSet struct {
	mu      sync.Mutex
	tracks  map[remoteKey]*webrtc.TrackRemote
	waiters map[remoteKey][]chan *webrtc.TrackRemote
}

func newRemoteSet() *remoteSet {
	return &remoteSet{
		tracks:  make(map[remoteKey]*webrtc.TrackRemote),
		waiters: make(map[remoteKey][]chan *webrtc.TrackRemote),
	}
}

func (s *remoteSet) add(track *webrtc.TrackRemote) {
	key := remoteKey{uid: meeting.UID(track.StreamID()), kind: kindOf(track)}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[key] = track
	for _, w := range s.waiters[key] {
		w <- track
	}
	delete(s.waiters, key)
}

func (s *remoteSet) remove(uid meeting.UID, kind meeting.MediaKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracks, remoteKey{uid: uid, kind: kind})
}

func (s *remoteSet) removeUser(uid meeting.UID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.tracks {
		if key.uid == uid {
			delete(s.tracks, key)
		}
	}
}

func (s *remoteSet) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.tracks)
}

func (s *remoteSet) wait(ctx context.Context, key remoteKey) (*webrtc.TrackRemote, error) {
	s.mu.Lock()
	if t, ok := s.tracks[key]; ok {
		s.mu.Unlock()
		return t, nil
	}
	ch := make(chan *webrtc.TrackRemote, 1)
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()

	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		s.mu.Lock()
		ws := s.waiters[key]
		for i, w := range ws {
			if w == ch {
				s.waiters[key] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Subscribe waits until the server has forwarded uid's kind track.
func (c *Client) Subscribe(ctx context.Context, uid meeting.UID, kind meeting.MediaKind) (meeting.RemoteTrack, error) {
	track, err := c.remotes.wait(ctx, remoteKey{uid: uid, kind: kind})
	if err != nil {
		return nil, fmt.Errorf("wait for %s %s: %w", uid, kind, err)
	}
	return &remoteTrack{uid: uid, kind: kind, track: track, dir: c.opts.RecordDir, client: c}, nil
}

type rtpSink interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

type remoteTrack struct {
	uid    meeting.UID
	kind   meeting.MediaKind
	track  *webrtc.TrackRemote
	dir    string
	client *Client

	mu      sync.Mutex
	playing bool
	done    chan struct{}
}

func (r *remoteTrack) UID() meeting.UID         { return r.uid }
func (r *remoteTrack) Kind() meeting.MediaKind { return r.kind }

func (r *remoteTrack) newSink() (rtpSink, error) {
	if r.dir == "" {
		return nil, nil
	}
	name := fmt.Sprintf("%s-%s-%d", r.uid, r.kind, time.Now().Unix())
	if r.kind == meeting.KindAudio {
		return oggwriter.New(filepath.Join(r.dir, name+".ogg"), r.track.Codec().ClockRate, r.track.Codec().Channels)
	}
	return ivfwriter.New(filepath.Join(r.dir, name+".ivf"))
}

// Play drains the track, writing it to the record directory when one is set.
func (r *remoteTrack) Play() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.playing {
		return nil
	}
	sink, err := r.newSink()
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	r.playing = true
	r.done = make(chan struct{})
	go r.drain(sink, r.done)
	return nil
}

func (r *remoteTrack) drain(sink rtpSink, done chan struct{}) {
	l := r.client.log.With().Str("uid", string(r.uid)).Str("kind", string(r.kind)).Logger()
	defer func() {
		if sink != nil {
			if err := sink.Close(); err != nil {
				l.Warn().Err(err).Msg("close recording")
			}
		}
	}()
	for {
		select {
		case <-done:
			return
		default:
		}
		pkt, _, err := r.track.ReadRTP()
		if err != nil {
			l.Debug().Err(err).Msg("remote track ended")
			return
		}
		if sink != nil {
			if err := sink.WriteRTP(pkt); err != nil {
				l.Warn().Err(err).Msg("write recording")
				_ = sink.Close()
				sink = nil
			}
		}
	}
}

func (r *remoteTrack) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.playing {
		return
	}
	r.playing = false
	close(r.done)
}
