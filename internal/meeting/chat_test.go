package meeting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestChatOpensStreamLazily(t *testing.T) {
	ch := newFakeChannel()
	c := NewChat(ch.CreateDataStream, "mentor", 0, fixedClock(1000), zerolog.Nop())
	assert.Empty(t, ch.streams)

	msg, err := c.SendText(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), msg.Timestamp)
	_, err = c.SendText(context.Background(), "again")
	require.NoError(t, err)

	require.Len(t, ch.streams, 1)
	assert.Len(t, ch.streams[0].sent, 2)
	assert.Len(t, c.Messages(), 2)

	require.NoError(t, c.Close())
	assert.True(t, ch.streams[0].closed)
	require.NoError(t, c.Close())
}

func TestChatRejectsEmptyAndOversized(t *testing.T) {
	ch := newFakeChannel()
	c := NewChat(ch.CreateDataStream, "mentor", 128, fixedClock(1), zerolog.Nop())

	_, err := c.SendText(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = c.SendFile(context.Background(), "notes.txt", "text/plain", []byte(strings.Repeat("x", 256)))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	assert.Empty(t, ch.streams, "nothing is transmitted")
	assert.Empty(t, c.Messages())
}

func TestChatFileRoundTrip(t *testing.T) {
	raw, err := Encode(ChatMessage{
		Sender:    "mentor",
		Kind:      MessageFile,
		File:      &FilePayload{Name: "a.png", MIME: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
		Timestamp: 42,
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"data":"iVBORw=="`)

	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, MessageFile, msg.Kind)
	require.NotNil(t, msg.File)
	assert.Equal(t, "a.png", msg.File.Name)
	assert.Equal(t, "image/png", msg.File.MIME)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, msg.File.Data)
	assert.Equal(t, int64(42), msg.Timestamp)
}

func TestChatReceiveOrdersByTimestamp(t *testing.T) {
	c := NewChat(newFakeChannel().CreateDataStream, "mentor", 0, fixedClock(500), zerolog.Nop())

	in := []string{
		`{"sender":"b","kind":"text","payload":"third","timestamp":300}`,
		`{"sender":"a","kind":"text","payload":"first","timestamp":100}`,
		`{"sender":"c","kind":"text","payload":"fourth","timestamp":300}`,
		`{"sender":"d","kind":"text","payload":"stamped"}`,
		`{"sender":"a","kind":"text","payload":"second","timestamp":200}`,
	}
	for _, raw := range in {
		_, err := c.Receive("u", []byte(raw))
		require.NoError(t, err)
	}

	var got []string
	for _, m := range c.Messages() {
		got = append(got, m.Text)
	}
	assert.Equal(t, []string{"first", "second", "third", "fourth", "stamped"}, got)
	assert.Equal(t, int64(500), c.Messages()[4].Timestamp)
}

func TestChatReceiveDropsMalformed(t *testing.T) {
	c := NewChat(newFakeChannel().CreateDataStream, "mentor", 0, nil, zerolog.Nop())
	for _, raw := range []string{
		`nope`,
		`{"sender":"a","kind":"text"}`,
		`{"sender":"a","kind":"video","payload":"x"}`,
		`{"sender":"a","kind":"file","payload":{"type":"text/plain"}}`,
	} {
		_, err := c.Receive("u", []byte(raw))
		assert.True(t, errors.Is(err, ErrMalformedMessage), raw)
	}
	assert.Empty(t, c.Messages())
}
