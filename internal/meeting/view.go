package meeting

// View is a point-in-time copy of the session for rendering.
type View struct {
	State           State             `yaml:"state"`
	Channel         string            `yaml:"channel,omitempty"`
	UID             UID               `yaml:"uid,omitempty"`
	AudioEnabled    bool              `yaml:"audio"`
	VideoEnabled    bool              `yaml:"video"`
	ScreenSharing   bool              `yaml:"screen"`
	Connection      ConnectionState   `yaml:"connection"`
	Banner          Banner            `yaml:"banner,omitempty"`
	ControlsEnabled bool              `yaml:"controls"`
	Participants    []ParticipantView `yaml:"participants"`
	Messages        []ChatMessage     `yaml:"messages,omitempty"`
	Fatal           error             `yaml:"-"`
	FatalCode       string            `yaml:"fatal,omitempty"`
}

func (s *Session) View() View {
	s.mu.Lock()
	v := View{
		State:         s.state,
		Channel:       s.channelID,
		UID:           s.uid,
		AudioEnabled:  s.mic != nil && s.mic.Enabled(),
		VideoEnabled:  s.video != nil && !s.screen,
		ScreenSharing: s.screen,
		Fatal:         s.fatal,
		FatalCode:     Code(s.fatal),
	}
	toggling := s.toggling
	s.mu.Unlock()

	v.Connection = s.monitor.State()
	v.Banner = s.monitor.Banner()
	v.ControlsEnabled = v.State == StateJoined && v.Connection == Connected && !toggling
	v.Participants = s.registry.Snapshot()
	v.Messages = s.chat.Messages()
	return v
}

// Subscribe registers fn to receive a View after every change and returns
// a function that removes it. Calls are serialized; fn must not call back
// into methods that change the session.
func (s *Session) Subscribe(fn func(View)) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Session) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.obsMu.Lock()
	fns := make([]func(View), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	if len(fns) == 0 {
		return
	}

	v := s.View()
	for _, fn := range fns {
		fn(v)
	}
}
