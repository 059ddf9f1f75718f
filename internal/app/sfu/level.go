package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// AudioLevelExtensionID returns the negotiated id of the ssrc-audio-level
// extension on receiver, or 0.
func AudioLevelExtensionID(receiver *webrtc.RTPReceiver) uint8 {
	if receiver == nil {
		return 0
	}
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

// levelMeter keeps the loudest ssrc-audio-level reading since the last Take.
type levelMeter struct {
	extID uint8
	peak  atomic.Int32
}

// observe records the level carried by pkt, if any.
func (m *levelMeter) observe(pkt *rtp.Packet) {
	if m == nil || m.extID == 0 {
		return
	}
	raw := pkt.GetExtension(m.extID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}
	v := volumeFromDBov(ext.Level)
	for {
		cur := m.peak.Load()
		if int32(v) <= cur || m.peak.CompareAndSwap(cur, int32(v)) {
			return
		}
	}
}

// Take returns the peak volume in [0,100] and resets it.
func (m *levelMeter) Take() int {
	if m == nil {
		return 0
	}
	return int(m.peak.Swap(0))
}

// volumeFromDBov maps -dBov (0 loudest, 127 silence) onto 0..100.
func volumeFromDBov(level uint8) int {
	if level > 127 {
		level = 127
	}
	return 100 - int(level)*100/127
}
