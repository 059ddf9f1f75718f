package meeting

import (
	"sync"

	"github.com/rs/zerolog"
)

type ConnectionState string

const (
	Connected    ConnectionState = "CONNECTED"
	Reconnecting ConnectionState = "RECONNECTING"
	Disconnected ConnectionState = "DISCONNECTED"
)

type BannerKind string

const (
	BannerNone         BannerKind = ""
	BannerReconnecting BannerKind = "reconnecting"
	BannerDisconnected BannerKind = "disconnected"
	BannerError        BannerKind = "error"
)

type Action string

const (
	ActionNone   Action = ""
	ActionReload Action = "reload"
)

// Banner is the non-blocking notice shown above the call.
type Banner struct {
	Kind      BannerKind `yaml:"kind,omitempty"`
	Code      string     `yaml:"code,omitempty"`
	Message   string     `yaml:"message,omitempty"`
	Action    Action     `yaml:"action,omitempty"`
	Transient bool       `yaml:"transient,omitempty"`
}

// Transport exception codes that never reach the user.
var transientExceptions = map[string]struct{}{
	"keepalive_timeout": {},
	"rtcp_read":         {},
	"send_bitrate_low":  {},
	"recv_bitrate_low":  {},
	"frame_rate_low":    {},
}

func IsTransientException(code string) bool {
	_, ok := transientExceptions[code]
	return ok
}

// Monitor maps raw transport connection states to ConnectionState and owns
// the banner. DISCONNECTED is terminal until Reset.
type Monitor struct {
	mu     sync.Mutex
	state  ConnectionState
	banner Banner
	log    zerolog.Logger
}

func NewMonitor(logger zerolog.Logger) *Monitor {
	return &Monitor{
		state: Disconnected,
		log:   logger.With().Str("module", "meeting.health").Logger(),
	}
}

// Reset forces a state and clears the banner. Used when a join completes.
func (m *Monitor) Reset(state ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.banner = Banner{}
}

// Handle applies a raw transport state and reports whether anything changed.
func (m *Monitor) Handle(raw string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	switch ConnectionState(raw) {
	case Connected:
		if prev == Disconnected {
			return false
		}
		m.state = Connected
		m.banner = Banner{}
	case Reconnecting:
		if prev == Disconnected {
			return false
		}
		m.state = Reconnecting
		m.banner = Banner{
			Kind:    BannerReconnecting,
			Message: "Connection lost, reconnecting...",
		}
	case Disconnected:
		m.state = Disconnected
		m.banner = Banner{
			Kind:    BannerDisconnected,
			Message: "You were disconnected from the call.",
			Action:  ActionReload,
		}
	default:
		m.log.Debug().Str("raw", raw).Msg("ignored connection state")
		return false
	}
	m.log.Info().Str("prev", string(prev)).Str("state", string(m.state)).Msg("connection state")
	return true
}

// Surface shows an error banner unless the call is already disconnected.
func (m *Monitor) Surface(b Banner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Disconnected && m.banner.Kind == BannerDisconnected {
		return false
	}
	m.banner = b
	return true
}

// Dismiss clears a transient banner.
func (m *Monitor) Dismiss() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.banner.Transient {
		return false
	}
	m.banner = Banner{}
	return true
}

func (m *Monitor) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Banner() Banner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banner
}
