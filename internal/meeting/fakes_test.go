package meeting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

var errDenied = fmt.Errorf("camera: %w", ErrPermissionDenied)

type fakeTrack struct {
	id     string
	source string
	kind   MediaKind
	dev    *fakeDevices

	mu      sync.Mutex
	enabled bool
	closed  bool
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() MediaKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("already closed")
	}
	t.closed = true
	t.dev.release(t)
	return nil
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeDevices counts open tracks per source.
type fakeDevices struct {
	mu      sync.Mutex
	seq     int
	open    map[string]int
	fail    map[string]error
	gate    map[string]chan struct{}
	created []*fakeTrack
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		open: make(map[string]int),
		fail: make(map[string]error),
		gate: make(map[string]chan struct{}),
	}
}

func (d *fakeDevices) capture(ctx context.Context, source string, kind MediaKind) (LocalTrack, error) {
	d.mu.Lock()
	gate := d.gate[source]
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[source]; err != nil {
		return nil, err
	}
	d.seq++
	t := &fakeTrack{id: fmt.Sprintf("%s-%d", source, d.seq), source: source, kind: kind, dev: d, enabled: true}
	d.open[source]++
	d.created = append(d.created, t)
	return t, nil
}

func (d *fakeDevices) release(t *fakeTrack) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open[t.source]--
}

func (d *fakeDevices) setFail(source string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[source] = err
}

func (d *fakeDevices) openCount(source string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open[source]
}

func (d *fakeDevices) totalOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.open {
		n += c
	}
	return n
}

func (d *fakeDevices) Microphone(ctx context.Context) (LocalTrack, error) {
	return d.capture(ctx, "mic", KindAudio)
}

func (d *fakeDevices) Camera(ctx context.Context) (LocalTrack, error) {
	return d.capture(ctx, "cam", KindVideo)
}

func (d *fakeDevices) Screen(ctx context.Context) (LocalTrack, error) {
	return d.capture(ctx, "screen", KindVideo)
}

type fakeRemote struct {
	uid  UID
	kind MediaKind

	mu      sync.Mutex
	playing bool
	stopped bool
}

func (r *fakeRemote) UID() UID        { return r.uid }
func (r *fakeRemote) Kind() MediaKind { return r.kind }

func (r *fakeRemote) Play() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing = true
	return nil
}

func (r *fakeRemote) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

func (r *fakeRemote) state() (playing, stopped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing, r.stopped
}

type fakeStream struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (s *fakeStream) Send(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeChannel struct {
	mu        sync.Mutex
	handler   EventHandler
	joinGate  chan struct{}
	pubGate   chan struct{}
	joinErr   error
	pubErr    error
	joined    bool
	joins     int
	leaves    int
	published map[string]LocalTrack
	history   [][]string
	remotes   []*fakeRemote
	streams   []*fakeStream
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{published: make(map[string]LocalTrack)}
}

func (c *fakeChannel) Join(ctx context.Context, appID, channel, token string) (UID, error) {
	c.mu.Lock()
	gate := c.joinGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joinErr != nil {
		return "", c.joinErr
	}
	c.joined = true
	c.joins++
	return UID("local-" + channel), nil
}

func (c *fakeChannel) Leave(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = false
	c.leaves++
	clear(c.published)
	return nil
}

func (c *fakeChannel) Publish(ctx context.Context, tracks ...LocalTrack) error {
	c.mu.Lock()
	gate := c.pubGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubErr != nil {
		return c.pubErr
	}
	if !c.joined {
		return errors.New("not in channel")
	}
	ids := make([]string, 0, len(tracks))
	for _, t := range tracks {
		c.published[t.ID()] = t
		ids = append(ids, t.ID())
	}
	c.history = append(c.history, ids)
	return nil
}

func (c *fakeChannel) Unpublish(_ context.Context, tracks ...LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tracks {
		delete(c.published, t.ID())
	}
	return nil
}

func (c *fakeChannel) Subscribe(_ context.Context, uid UID, kind MediaKind) (RemoteTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &fakeRemote{uid: uid, kind: kind}
	c.remotes = append(c.remotes, r)
	return r, nil
}

func (c *fakeChannel) CreateDataStream(context.Context) (DataStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeStream{}
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeChannel) SetEventHandler(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *fakeChannel) emit(ev Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(ev)
}

func (c *fakeChannel) counts() (joins, leaves int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joins, c.leaves
}

func (c *fakeChannel) publishedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.published))
	for id := range c.published {
		ids = append(ids, id)
	}
	return ids
}

func (c *fakeChannel) publishedKinds() map[MediaKind]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[MediaKind]int)
	for _, t := range c.published {
		out[t.Kind()]++
	}
	return out
}

func newTestSession(t *testing.T) (*Session, *fakeChannel, *fakeDevices) {
	t.Helper()
	ch, dev := newFakeChannel(), newFakeDevices()
	logger := zerolog.Nop()
	s, err := New(Options{
		Channel:     ch,
		Devices:     dev,
		AppID:       "app",
		DisplayName: "mentor",
		Logger:      &logger,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s, ch, dev
}
