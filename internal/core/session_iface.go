package core

import "github.com/mentorhub/meet/internal/domain"

type SessionID string

// MemberSession binds domain.Member and its transport endpoints.
// Publisher carries the member's outgoing media, Subscriber the media
// relayed to it. This is what a channel stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
	Publisher() MediaConnection
	Subscriber() MediaConnection
	UpdateSignal(SignalConnection) MemberSession
	UpdatePublisher(MediaConnection) MemberSession
	UpdateSubscriber(MediaConnection) MemberSession
}
