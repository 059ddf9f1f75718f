package sfu

import (
	"testing"

	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVolumeFromDBov(t *testing.T) {
	assert.Equal(t, 100, volumeFromDBov(0))
	assert.Equal(t, 0, volumeFromDBov(127))
	assert.Equal(t, 0, volumeFromDBov(200))
	assert.Equal(t, 50, volumeFromDBov(64))
}

func audioPacket(t *testing.T, extID uint8, level uint8) *rtp.Packet {
	t.Helper()
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}}
	raw, err := (&rtp.AudioLevelExtension{Level: level, Voice: true}).Marshal()
	require.NoError(t, err)
	require.NoError(t, pkt.Header.SetExtension(extID, raw))
	return pkt
}

func TestLevelMeterKeepsPeakUntilTaken(t *testing.T) {
	m := &levelMeter{extID: 1}
	m.observe(audioPacket(t, 1, 100))
	m.observe(audioPacket(t, 1, 10))
	m.observe(audioPacket(t, 1, 60))
	m.observe(&rtp.Packet{})

	assert.Equal(t, volumeFromDBov(10), m.Take())
	assert.Zero(t, m.Take())

	var none *levelMeter
	none.observe(audioPacket(t, 1, 0))
	assert.Zero(t, none.Take())
}

func TestOutTrackStates(t *testing.T) {
	ot := NewOutTrack(nil, nil, nil)
	assert.Equal(t, TrackStateOk, ot.GetState())
	ot.MarkMuted()
	assert.Equal(t, TrackStateMuted, ot.GetState())
	ot.MarkDelete()
	assert.Equal(t, TrackStateDelete, ot.GetState())
	ot.MarkOk()
	assert.Equal(t, TrackStateOk, ot.GetState())
}

func TestRelayForwardSkipsMutedAndDropsDeleted(t *testing.T) {
	r := NewRelay(nil, "pub", domain.MediaAudio, nil, 0, func() {})
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "pub")
	require.NoError(t, err)

	ok := NewOutTrack(local, nil, nil)
	muted := NewOutTrack(local, nil, nil)
	muted.MarkMuted()
	gone := NewOutTrack(local, nil, nil)
	gone.MarkDelete()
	r.AddOutTrack("a", ok)
	r.AddOutTrack("b", muted)
	r.AddOutTrack("c", gone)

	logger := zerolog.Nop()
	r.forward(&rtp.Packet{Header: rtp.Header{Version: 2}}, &logger)

	assert.Equal(t, 2, r.Subscribers())
	_, removed := r.RemoveOutTrack("c")
	assert.False(t, removed)

	got, removed := r.RemoveOutTrack("a")
	require.True(t, removed)
	assert.Equal(t, TrackStateDelete, got.GetState())
}

func TestRelayManagerWithoutRelay(t *testing.T) {
	m := NewRelayManager()
	assert.False(t, m.HasRelay("pub", domain.MediaVideo))
	assert.ErrorIs(t, m.Subscribe("pub", domain.MediaVideo, "sub", nil), ErrNoRelay)
	assert.False(t, m.StopRelay("pub", domain.MediaVideo))
	_, ok := m.Level("pub")
	assert.False(t, ok)
	m.Unsubscribe("pub", domain.MediaAudio, core.SessionID("sub"))
	m.UnsubscribeAll("sub")
}
