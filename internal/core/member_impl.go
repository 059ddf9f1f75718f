package core

import (
	"sync"

	"github.com/mentorhub/meet/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transports.
type memberSession struct {
	meta *domain.Member

	mu         sync.RWMutex
	signal     SignalConnection
	publisher  MediaConnection
	subscriber MediaConnection
}

func NewMemberSession(meta *domain.Member) MemberSession {
	return &memberSession{meta: meta}
}

func (m *memberSession) Meta() *domain.Member { return m.meta }

func (m *memberSession) Signal() SignalConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signal
}

func (m *memberSession) Publisher() MediaConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publisher
}

func (m *memberSession) Subscriber() MediaConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscriber
}

func (m *memberSession) UpdateSignal(s SignalConnection) MemberSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signal = s
	return m
}

func (m *memberSession) UpdatePublisher(mc MediaConnection) MemberSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = mc
	return m
}

func (m *memberSession) UpdateSubscriber(mc MediaConnection) MemberSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriber = mc
	return m
}
