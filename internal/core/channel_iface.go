package core

import (
	"github.com/mentorhub/meet/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID       domain.UserID `json:"uid"`
	Username string        `json:"name"`
	Audio    bool          `json:"audio"`
	Video    bool          `json:"video"`
}

type Publication struct {
	SID  SessionID
	Kind domain.MediaKind
}

// ChannelService is the core-facing API of a channel.
// It owns the membership set but never touches transport resources.
type ChannelService interface {
	Channel() *domain.Channel
	MemberCount() int
	MembersSnapshot() []MemberDTO

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID)
	HasMember(sid SessionID) bool
	// SetPublished records a publication change and reports whether it changed.
	SetPublished(sid SessionID, kind domain.MediaKind, on bool) bool
	Publications() []Publication
	Broadcast(from SessionID, data Frame) PublishResult
}

type ChannelInfo struct {
	Name        domain.ChannelName `json:"name"`
	MemberCount int                `json:"member_count"`
}

type ChannelManager interface {
	GetOrCreate(name domain.ChannelName) ChannelService
	GetChannel(name domain.ChannelName) (ChannelService, bool)
	// Enter adds the member to the channel, creating it if needed, in one step
	// with respect to StopIfEmpty.
	Enter(name domain.ChannelName, sid SessionID, ms MemberSession) ChannelService
	List() []ChannelInfo
	StopChannel(name domain.ChannelName)
	// StopIfEmpty removes the channel when it has no members.
	StopIfEmpty(name domain.ChannelName) bool
}
