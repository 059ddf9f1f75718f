package meeting

type EventHandler func(Event)

// Event is one of the transport notifications below.
type Event interface {
	isEvent()
}

type UserPublished struct {
	UID  UID
	Kind MediaKind
}

type UserUnpublished struct {
	UID  UID
	Kind MediaKind
}

type UserLeft struct {
	UID    UID
	Reason string
}

// ConnectionStateChanged carries the raw transport state strings.
type ConnectionStateChanged struct {
	Current  string
	Previous string
	Reason   string
}

type VolumeLevel struct {
	UID   UID
	Level int
}

type VolumeIndicator struct {
	Levels []VolumeLevel
}

type StreamMessage struct {
	UID  UID
	Data []byte
}

// Exception reports a transport problem that did not change the connection state.
type Exception struct {
	Code    string
	Message string
}

func (UserPublished) isEvent()          {}
func (UserUnpublished) isEvent()        {}
func (UserLeft) isEvent()               {}
func (ConnectionStateChanged) isEvent() {}
func (VolumeIndicator) isEvent()        {}
func (StreamMessage) isEvent()          {}
func (Exception) isEvent()              {}
