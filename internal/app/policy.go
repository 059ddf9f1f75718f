package app

import (
	"sync"

	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/signaling"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose signaling queue is full.
// frameType is the envelope type of the frame that could not be queued.
type Policy interface {
	OnBackPressure(ch core.ChannelService, member core.MemberSession, frameType string) BackpressureAction
	// Forget drops any state kept for sid.
	Forget(sid core.SessionID)
}

// StrikePolicy skips volume frames, which the next tick replaces, and kicks a
// member after MaxStrikes other dropped frames.
type StrikePolicy struct {
	MaxStrikes int

	mu      sync.Mutex
	strikes map[core.SessionID]int
}

func NewStrikePolicy(maxStrikes int) *StrikePolicy {
	if maxStrikes < 1 {
		maxStrikes = 1
	}
	return &StrikePolicy{MaxStrikes: maxStrikes, strikes: make(map[core.SessionID]int)}
}

func (p *StrikePolicy) OnBackPressure(_ core.ChannelService, member core.MemberSession, frameType string) BackpressureAction {
	if frameType == signaling.TypeVolumeIndicator {
		return DropFrame
	}
	sid := core.SessionID(member.Meta().User.ID)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.strikes[sid]++
	if p.strikes[sid] >= p.MaxStrikes {
		delete(p.strikes, sid)
		return KickMember
	}
	return MarkSlow
}

func (p *StrikePolicy) Forget(sid core.SessionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.strikes, sid)
}
