package meeting

import "context"

type UID string

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// LocalTrack is a capture stream owned by the Session.
// Close must release the underlying OS device.
type LocalTrack interface {
	ID() string
	Kind() MediaKind
	Enabled() bool
	SetEnabled(enabled bool)
	Close() error
}

// RemoteTrack is a subscribed track of another participant.
type RemoteTrack interface {
	UID() UID
	Kind() MediaKind
	// Play starts consuming the track. Audio is played as soon as it is subscribed.
	Play() error
	Stop()
}

// DataStream is the side channel used for chat payloads.
type DataStream interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Channel is the real-time transport a Session joins.
type Channel interface {
	Join(ctx context.Context, appID, channel, token string) (UID, error)
	Leave(ctx context.Context) error
	Publish(ctx context.Context, tracks ...LocalTrack) error
	Unpublish(ctx context.Context, tracks ...LocalTrack) error
	Subscribe(ctx context.Context, uid UID, kind MediaKind) (RemoteTrack, error)
	CreateDataStream(ctx context.Context) (DataStream, error)
	// SetEventHandler installs the callback for transport events.
	// Events are delivered one at a time, in transport order.
	SetEventHandler(h EventHandler)
}

// Devices creates local capture tracks.
type Devices interface {
	Microphone(ctx context.Context) (LocalTrack, error)
	Camera(ctx context.Context) (LocalTrack, error)
	Screen(ctx context.Context) (LocalTrack, error)
}
