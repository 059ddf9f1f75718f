package meeting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 2 * time.Second

func (d *fakeDevices) setGate(source string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := make(chan struct{})
	d.gate[source] = g
	return g
}

func (d *fakeDevices) clearGate(source string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.gate, source)
}

func joined(t *testing.T) (*Session, *fakeChannel, *fakeDevices) {
	t.Helper()
	s, ch, dev := newTestSession(t)
	require.NoError(t, s.Join(context.Background(), "room1", "t"))
	return s, ch, dev
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Options{Devices: newFakeDevices()})
	assert.ErrorIs(t, err, ErrNoChannel)
	_, err = New(Options{Channel: newFakeChannel()})
	assert.ErrorIs(t, err, ErrNoDevices)
}

func TestJoinPublishesAudioAndVideo(t *testing.T) {
	s, ch, dev := joined(t)

	v := s.View()
	assert.Equal(t, StateJoined, v.State)
	assert.Equal(t, "room1", v.Channel)
	assert.Equal(t, UID("local-room1"), v.UID)
	assert.Equal(t, Connected, v.Connection)
	assert.True(t, v.AudioEnabled)
	assert.True(t, v.VideoEnabled)
	assert.True(t, v.ControlsEnabled)
	assert.Nil(t, v.Fatal)

	require.Len(t, ch.history, 1)
	assert.Equal(t, []string{"mic-1", "cam-2"}, ch.history[0])
	assert.Equal(t, 1, dev.openCount("mic"))
	assert.Equal(t, 1, dev.openCount("cam"))
}

func TestJoinIsNoopWhileJoiningOrJoined(t *testing.T) {
	s, ch, _ := joined(t)
	require.NoError(t, s.Join(context.Background(), "room1", "t"))
	assert.Equal(t, 1, ch.joins)
	assert.Len(t, ch.history, 1)
}

func TestJoinCameraDeniedReturnsToIdle(t *testing.T) {
	s, ch, dev := newTestSession(t)
	dev.setFail("cam", errDenied)

	err := s.Join(context.Background(), "room1", "t")
	require.ErrorIs(t, err, ErrCapture)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	v := s.View()
	assert.Equal(t, StateIdle, v.State)
	assert.Nil(t, v.Fatal)
	assert.Equal(t, BannerError, v.Banner.Kind)
	assert.Equal(t, "permission_denied", v.Banner.Code)
	assert.Zero(t, dev.totalOpen())
	assert.Zero(t, ch.joins)

	// a later attempt may succeed
	dev.setFail("cam", nil)
	require.NoError(t, s.Join(context.Background(), "room1", "t"))
	assert.Equal(t, StateJoined, s.View().State)
}

func TestJoinFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name       string
		setup      func(*fakeChannel)
		want       error
		wantLeaves int
	}{
		{
			name:  "join rejected",
			setup: func(ch *fakeChannel) { ch.joinErr = boom },
			want:  ErrJoin,
		},
		{
			name:       "publish rejected",
			setup:      func(ch *fakeChannel) { ch.pubErr = boom },
			want:       ErrPublish,
			wantLeaves: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ch, dev := newTestSession(t)
			tt.setup(ch)

			err := s.Join(context.Background(), "room1", "t")
			require.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, boom)

			v := s.View()
			assert.Equal(t, StateIdle, v.State)
			assert.ErrorIs(t, v.Fatal, tt.want)
			assert.Zero(t, dev.totalOpen())
			assert.Equal(t, tt.wantLeaves, ch.leaves)
			assert.Empty(t, ch.publishedIDs())
		})
	}
}

func TestLeaveDuringJoinDiscardsResults(t *testing.T) {
	tests := []struct {
		name  string
		block func(*fakeChannel, *fakeDevices) chan struct{}
		ready func(*fakeChannel, *fakeDevices) bool
	}{
		{
			name:  "while capturing camera",
			block: func(_ *fakeChannel, d *fakeDevices) chan struct{} { return d.setGate("cam") },
			ready: func(_ *fakeChannel, d *fakeDevices) bool { return d.openCount("mic") == 1 },
		},
		{
			name: "while joining channel",
			block: func(c *fakeChannel, _ *fakeDevices) chan struct{} {
				g := make(chan struct{})
				c.joinGate = g
				return g
			},
			ready: func(_ *fakeChannel, d *fakeDevices) bool { return d.openCount("cam") == 1 },
		},
		{
			name: "while publishing tracks",
			block: func(c *fakeChannel, _ *fakeDevices) chan struct{} {
				g := make(chan struct{})
				c.pubGate = g
				return g
			},
			ready: func(c *fakeChannel, _ *fakeDevices) bool {
				joins, _ := c.counts()
				return joins == 1
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ch, dev := newTestSession(t)
			gate := tt.block(ch, dev)
			defer close(gate)

			joinErr := make(chan error, 1)
			go func() { joinErr <- s.Join(context.Background(), "room1", "t") }()
			require.Eventually(t, func() bool { return tt.ready(ch, dev) }, eventually, time.Millisecond)
			assert.Equal(t, StateJoining, s.View().State)

			require.NoError(t, s.Leave(context.Background()))

			select {
			case err := <-joinErr:
				assert.ErrorIs(t, err, ErrCanceled)
			case <-time.After(eventually):
				t.Fatal("join did not return after leave")
			}
			assert.Equal(t, StateLeft, s.View().State)
			assert.Zero(t, dev.totalOpen())
			assert.Empty(t, ch.publishedIDs())
			assert.Empty(t, ch.history)
			if joins, leaves := ch.counts(); joins > 0 {
				assert.Equal(t, joins, leaves, "channel joined but never left")
			}
			assert.ErrorIs(t, s.Join(context.Background(), "room1", "t"), ErrSessionClosed)
		})
	}
}

func TestLeaveReleasesEverything(t *testing.T) {
	s, ch, dev := joined(t)
	require.NoError(t, s.SendText(context.Background(), "bye"))
	ch.emit(UserPublished{UID: "u1", Kind: KindAudio})
	require.Eventually(t, func() bool { return len(s.View().Participants) == 1 }, eventually, time.Millisecond)

	require.NoError(t, s.Leave(context.Background()))

	v := s.View()
	assert.Equal(t, StateLeft, v.State)
	assert.Empty(t, v.Participants)
	assert.False(t, v.ControlsEnabled)
	assert.Zero(t, dev.totalOpen())
	assert.Equal(t, 1, ch.leaves)
	require.Len(t, ch.streams, 1)
	assert.True(t, ch.streams[0].closed)
	_, stopped := ch.remotes[0].state()
	assert.True(t, stopped)

	require.NoError(t, s.Leave(context.Background()))
	assert.Equal(t, 1, ch.leaves)
}

func TestLeaveBeforeJoinClosesSession(t *testing.T) {
	s, ch, _ := newTestSession(t)
	require.NoError(t, s.Leave(context.Background()))
	assert.Equal(t, StateLeft, s.View().State)
	assert.Zero(t, ch.leaves)
	assert.ErrorIs(t, s.Join(context.Background(), "room1", "t"), ErrSessionClosed)
}

func TestToggleAudioFlipsMicrophone(t *testing.T) {
	s, ch, dev := joined(t)

	on, err := s.ToggleAudio()
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, s.View().AudioEnabled)

	on, err = s.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, 1, dev.openCount("mic"))
	assert.Len(t, ch.history, 1)
}

func TestToggleVideoHoldsAtMostOneCamera(t *testing.T) {
	for _, n := range []int{1, 2, 3, 6, 11} {
		s, ch, dev := joined(t)
		for i := 0; i < n; i++ {
			on, err := s.ToggleVideo(context.Background())
			require.NoError(t, err)
			assert.LessOrEqual(t, dev.openCount("cam"), 1)

			wantOn := i%2 == 1
			assert.Equal(t, wantOn, on)
			assert.Equal(t, wantOn, s.View().VideoEnabled)
			if wantOn {
				assert.Equal(t, 1, ch.publishedKinds()[KindVideo])
			} else {
				assert.Zero(t, ch.publishedKinds()[KindVideo])
				assert.Zero(t, dev.openCount("cam"))
			}
		}
		assert.Equal(t, 1, ch.publishedKinds()[KindAudio])
	}
}

func TestToggleRefusedWhileBusy(t *testing.T) {
	s, _, dev := joined(t)
	_, err := s.ToggleVideo(context.Background())
	require.NoError(t, err)

	gate := dev.setGate("cam")
	done := make(chan error, 1)
	go func() {
		_, err := s.ToggleVideo(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return !s.View().ControlsEnabled }, eventually, time.Millisecond)

	_, err = s.ToggleVideo(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.ToggleScreenShare(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.ToggleAudio()
	assert.ErrorIs(t, err, ErrBusy)

	close(gate)
	require.NoError(t, <-done)
	dev.clearGate("cam")
	assert.True(t, s.View().ControlsEnabled)
	assert.Equal(t, 1, dev.openCount("cam"))
}

func TestTogglesRequireJoined(t *testing.T) {
	s, _, _ := newTestSession(t)
	_, err := s.ToggleAudio()
	assert.ErrorIs(t, err, ErrNotJoined)
	_, err = s.ToggleVideo(context.Background())
	assert.ErrorIs(t, err, ErrNotJoined)
	_, err = s.ToggleScreenShare(context.Background())
	assert.ErrorIs(t, err, ErrNotJoined)
	assert.ErrorIs(t, s.SendText(context.Background(), "hi"), ErrNotJoined)
}

func TestReconnectShowsAndClearsBannerWithoutReacquiring(t *testing.T) {
	s, ch, dev := joined(t)
	created := len(dev.created)
	published := ch.publishedIDs()

	ch.emit(ConnectionStateChanged{Current: "RECONNECTING", Previous: "CONNECTED"})
	v := s.View()
	assert.Equal(t, Reconnecting, v.Connection)
	assert.Equal(t, BannerReconnecting, v.Banner.Kind)
	assert.False(t, v.ControlsEnabled)
	_, err := s.ToggleVideo(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	ch.emit(ConnectionStateChanged{Current: "CONNECTED", Previous: "RECONNECTING"})
	v = s.View()
	assert.Equal(t, Connected, v.Connection)
	assert.Equal(t, BannerNone, v.Banner.Kind)
	assert.True(t, v.ControlsEnabled)
	assert.Len(t, dev.created, created)
	assert.ElementsMatch(t, published, ch.publishedIDs())
	assert.Len(t, ch.history, 1)
}

func TestDisconnectOffersReload(t *testing.T) {
	s, ch, _ := joined(t)

	ch.emit(ConnectionStateChanged{Current: "DISCONNECTED", Previous: "RECONNECTING", Reason: "network"})
	ch.emit(ConnectionStateChanged{Current: "CONNECTED"})

	v := s.View()
	assert.Equal(t, Disconnected, v.Connection)
	assert.Equal(t, BannerDisconnected, v.Banner.Kind)
	assert.Equal(t, ActionReload, v.Banner.Action)
	assert.False(t, v.ControlsEnabled)
}

func TestExceptionsFilterTransientCodes(t *testing.T) {
	s, ch, _ := joined(t)

	ch.emit(Exception{Code: "frame_rate_low", Message: "fps"})
	assert.Equal(t, BannerNone, s.View().Banner.Kind)

	ch.emit(Exception{Code: "codec_error", Message: "decoder failed"})
	b := s.View().Banner
	assert.Equal(t, BannerError, b.Kind)
	assert.Equal(t, "codec_error", b.Code)
	assert.True(t, b.Transient)

	s.DismissBanner()
	assert.Equal(t, BannerNone, s.View().Banner.Kind)
}

func TestScreenShareThenStopRestoresCamera(t *testing.T) {
	s, ch, dev := joined(t)

	on, err := s.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.True(t, on)
	v := s.View()
	assert.True(t, v.ScreenSharing)
	assert.False(t, v.VideoEnabled)
	assert.Zero(t, dev.openCount("cam"))
	assert.Equal(t, 1, dev.openCount("screen"))
	assert.Equal(t, 1, ch.publishedKinds()[KindVideo])

	_, err = s.ToggleVideo(context.Background())
	assert.ErrorIs(t, err, ErrScreenSharing)

	on, err = s.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.False(t, on)
	v = s.View()
	assert.False(t, v.ScreenSharing)
	assert.True(t, v.VideoEnabled)
	assert.Zero(t, dev.openCount("screen"))
	assert.Equal(t, 1, dev.openCount("cam"))
	assert.Equal(t, 1, ch.publishedKinds()[KindVideo])
	for _, id := range ch.publishedIDs() {
		assert.NotContains(t, id, "screen")
	}
}

func TestScreenShareKeepsCameraOffWhenItWasOff(t *testing.T) {
	s, ch, dev := joined(t)
	_, err := s.ToggleVideo(context.Background())
	require.NoError(t, err)

	_, err = s.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	_, err = s.ToggleScreenShare(context.Background())
	require.NoError(t, err)

	assert.False(t, s.View().VideoEnabled)
	assert.Zero(t, dev.openCount("cam"))
	assert.Zero(t, dev.openCount("screen"))
	assert.Zero(t, ch.publishedKinds()[KindVideo])
}

func TestScreenShareDeniedRestoresCamera(t *testing.T) {
	s, ch, dev := joined(t)
	dev.setFail("screen", errDenied)

	on, err := s.ToggleScreenShare(context.Background())
	assert.False(t, on)
	require.ErrorIs(t, err, ErrPermissionDenied)

	v := s.View()
	assert.False(t, v.ScreenSharing)
	assert.True(t, v.VideoEnabled)
	assert.Equal(t, StateJoined, v.State)
	assert.Equal(t, "permission_denied", v.Banner.Code)
	assert.True(t, v.Banner.Transient)
	assert.Equal(t, 1, dev.openCount("cam"))
	assert.Equal(t, 1, ch.publishedKinds()[KindVideo])
}

func TestRemoteParticipantLifecycle(t *testing.T) {
	s, ch, _ := joined(t)

	ch.emit(UserPublished{UID: "u1", Kind: KindVideo})
	require.Eventually(t, func() bool { return len(s.View().Participants) == 1 }, eventually, time.Millisecond)
	ch.emit(UserPublished{UID: "u1", Kind: KindAudio})
	require.Eventually(t, func() bool {
		p := s.View().Participants
		return len(p) == 1 && p[0].Audio && p[0].Video
	}, eventually, time.Millisecond)

	ch.emit(UserUnpublished{UID: "u1", Kind: KindVideo})
	p := s.View().Participants
	require.Len(t, p, 1)
	assert.True(t, p[0].Audio)
	assert.False(t, p[0].Video)

	ch.emit(UserLeft{UID: "u1", Reason: "quit"})
	assert.Empty(t, s.View().Participants)
}

func TestObserversReceiveViews(t *testing.T) {
	s, _, _ := newTestSession(t)

	var states []State
	unsubscribe := s.Subscribe(func(v View) { states = append(states, v.State) })
	require.NoError(t, s.Join(context.Background(), "room1", "t"))
	unsubscribe()
	require.NoError(t, s.Leave(context.Background()))

	require.NotEmpty(t, states)
	assert.Equal(t, StateJoining, states[0])
	assert.Equal(t, StateJoined, states[len(states)-1])
}

func TestSessionChatRoundTrip(t *testing.T) {
	s, ch, _ := joined(t)

	require.NoError(t, s.SendText(context.Background(), "hello"))
	require.Len(t, ch.streams, 1)
	require.Len(t, ch.streams[0].sent, 1)

	ch.emit(StreamMessage{UID: "u2", Data: []byte(`{"sender":"mentee","kind":"text","payload":"early","timestamp":1}`)})
	ch.emit(StreamMessage{UID: "u2", Data: []byte(`not json`)})

	msgs := s.View().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "early", msgs[0].Text)
	assert.Equal(t, "hello", msgs[1].Text)
	assert.Equal(t, "mentor", msgs[1].Sender)
}
