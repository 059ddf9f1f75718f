package console

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mentorhub/meet/internal/meeting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMeeting struct {
	mu      sync.Mutex
	calls   []string
	view    meeting.View
	obs     func(meeting.View)
	joined  chan struct{}
	files   []string
	toggleE error
}

func newFakeMeeting() *fakeMeeting {
	return &fakeMeeting{joined: make(chan struct{}, 1)}
}

func (f *fakeMeeting) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeMeeting) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeMeeting) Join(_ context.Context, channelID, token string) error {
	f.record("join " + channelID + " " + token)
	f.joined <- struct{}{}
	return nil
}

func (f *fakeMeeting) Leave(context.Context) error {
	f.record("leave")
	return nil
}

func (f *fakeMeeting) ToggleAudio() (bool, error) {
	f.record("mic")
	return false, f.toggleE
}

func (f *fakeMeeting) ToggleVideo(context.Context) (bool, error) {
	f.record("cam")
	return true, nil
}

func (f *fakeMeeting) ToggleScreenShare(context.Context) (bool, error) {
	f.record("screen")
	return true, nil
}

func (f *fakeMeeting) SendText(_ context.Context, text string) error {
	f.record("text " + text)
	return nil
}

func (f *fakeMeeting) SendFile(_ context.Context, name, mime string, data []byte) error {
	f.record("file " + name + " " + mime)
	f.mu.Lock()
	f.files = append(f.files, string(data))
	f.mu.Unlock()
	return nil
}

func (f *fakeMeeting) DismissBanner() { f.record("dismiss") }

func (f *fakeMeeting) View() meeting.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeMeeting) Subscribe(fn func(meeting.View)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = fn
	return func() {}
}

// syncBuffer is a bytes.Buffer safe for the render goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runConsole(t *testing.T, input string, sessions ...*fakeMeeting) string {
	t.Helper()
	out := &syncBuffer{}
	next := 0
	c := New(Options{
		In:      strings.NewReader(input),
		Out:     out,
		Channel: "room1",
		NewMeeting: func() (Meeting, error) {
			m := sessions[next]
			next++
			return m, nil
		},
		Token: func(context.Context) (string, error) { return "tok", nil },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	return out.String()
}

func TestCommandsDispatch(t *testing.T) {
	m := newFakeMeeting()
	out := runConsole(t, "/mic\n/cam\n/screen\nhello there\n/dismiss\n/quit\n", m)

	calls := m.Calls()
	assert.Contains(t, calls, "join room1 tok")
	assert.Contains(t, calls, "mic")
	assert.Contains(t, calls, "cam")
	assert.Contains(t, calls, "screen")
	assert.Contains(t, calls, "text hello there")
	assert.Contains(t, calls, "dismiss")
	assert.Contains(t, calls, "leave")
	assert.Contains(t, out, "microphone off")
	assert.Contains(t, out, "camera on")
}

func TestCommandErrorPrinted(t *testing.T) {
	m := newFakeMeeting()
	m.toggleE = meeting.ErrBusy
	out := runConsole(t, "/mic\n/bogus\n", m)
	assert.Contains(t, out, "(busy)")
	assert.Contains(t, out, "unknown command /bogus")
}

func TestSendFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))

	m := newFakeMeeting()
	runConsole(t, "/file "+path+"\n", m)
	assert.Contains(t, m.Calls(), "file notes.txt text/plain; charset=utf-8")
	assert.Equal(t, []string{"abc"}, m.files)
}

func TestSendFileRejectsOversizedWithoutSending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{1}, 10), 0o600))

	c := New(Options{MaxFileSize: 4})
	m := newFakeMeeting()
	err := c.sendFile(context.Background(), m, path)
	assert.ErrorIs(t, err, meeting.ErrPayloadTooLarge)
	assert.Equal(t, "payload_too_large", meeting.Code(err))
	assert.Empty(t, m.files)

	err = c.sendFile(context.Background(), m, dir)
	assert.Error(t, err)
	assert.Empty(t, m.Calls())
}

func TestReloadCreatesNewSession(t *testing.T) {
	first, second := newFakeMeeting(), newFakeMeeting()
	runConsole(t, "/reload\n", first, second)
	assert.Contains(t, first.Calls(), "leave")
	<-second.joined
	assert.Contains(t, second.Calls(), "join room1 tok")
}

func TestStatusPrintsYAML(t *testing.T) {
	m := newFakeMeeting()
	m.view = meeting.View{State: meeting.StateJoined, Channel: "room1", Connection: meeting.Connected}
	out := runConsole(t, "/status\n", m)
	assert.Contains(t, out, "state: joined")
	assert.Contains(t, out, "channel: room1")
}

func TestRenderDiffs(t *testing.T) {
	out := &syncBuffer{}
	c := New(Options{Out: out})

	c.render(meeting.View{State: meeting.StateJoined, Channel: "room1", UID: "u1"})
	c.render(meeting.View{
		State:        meeting.StateJoined,
		Participants: []meeting.ParticipantView{{UID: "u2", Audio: true}},
		Messages:     []meeting.ChatMessage{{Sender: "ana", Kind: meeting.MessageText, Text: "hi", From: "u2"}},
	})
	c.render(meeting.View{
		State:        meeting.StateJoined,
		Participants: []meeting.ParticipantView{{UID: "u2", Audio: true}},
		Messages:     []meeting.ChatMessage{{Sender: "ana", Kind: meeting.MessageText, Text: "hi", From: "u2"}},
		Banner:       meeting.Banner{Kind: meeting.BannerDisconnected, Message: "gone", Action: meeting.ActionReload},
	})

	s := out.String()
	assert.Contains(t, s, "* joined room1 as u1")
	assert.Contains(t, s, "u2(a)")
	assert.Equal(t, 1, strings.Count(s, "ana: hi"))
	assert.Contains(t, s, "! gone (type /reload)")
}
