// Package signaling defines the JSON messages exchanged over the signaling
// websocket. Every message carries a type and, for requests and their
// replies, a correlation id.
package signaling

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
)

const (
	TypeJoin            = "join"
	TypeJoined          = "joined"
	TypeLeave           = "leave"
	TypeLeft            = "left"
	TypeOffer           = "offer"
	TypeAnswer          = "answer"
	TypeCandidate       = "candidate"
	TypePublish         = "publish"
	TypeUnpublish       = "unpublish"
	TypeAck             = "ack"
	TypeStreamMessage   = "stream_message"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeError           = "error"
	TypeUserPublished   = "user_published"
	TypeUserUnpublished = "user_unpublished"
	TypeUserLeft        = "user_left"
	TypeVolumeIndicator = "volume_indicator"
)

// Negotiation targets. The client offers on the publisher connection and
// answers on the subscriber connection.
const (
	TargetPublisher  = "publisher"
	TargetSubscriber = "subscriber"
)

// Error codes returned in Error messages.
const (
	CodeBadPayload    = "bad_payload"
	CodeBadAppID      = "bad_app_id"
	CodeBadChannel    = "bad_channel"
	CodeBadToken      = "bad_token"
	CodeBadName       = "bad_name"
	CodeBadKind       = "bad_kind"
	CodeNotJoined     = "not_joined"
	CodeRateLimited   = "rate_limited"
	CodeNegotiation   = "negotiation_failed"
	CodeUnknownType   = "unknown_type"
	CodeTooLarge      = "too_large"
	CodeInternalError = "internal"
)

type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type Join struct {
	Envelope
	AppID   string `json:"app_id"`
	Channel string `json:"channel"`
	Token   string `json:"token"`
	Name    string `json:"name,omitempty"`
}

type Joined struct {
	Envelope
	UID     string `json:"uid"`
	Channel string `json:"channel"`
}

type SDP struct {
	Envelope
	Target string `json:"target"`
	SDP    string `json:"sdp"`
}

type Candidate struct {
	Envelope
	Target string `json:"target"`
	webrtc.ICECandidateInit
}

// Publication is used for publish, unpublish, user_published and
// user_unpublished.
type Publication struct {
	Envelope
	UID  string `json:"uid,omitempty"`
	Kind string `json:"kind"`
}

type UserLeft struct {
	Envelope
	UID    string `json:"uid"`
	Reason string `json:"reason,omitempty"`
}

type Level struct {
	UID   string `json:"uid"`
	Level int    `json:"level"`
}

type VolumeIndicator struct {
	Envelope
	Levels []Level `json:"levels"`
}

type StreamMessage struct {
	Envelope
	UID  string `json:"uid,omitempty"`
	Data []byte `json:"data"`
}

type Error struct {
	Envelope
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (e *Error) String() string {
	if e.Message == "" {
		return e.Error
	}
	return fmt.Sprintf("%s: %s", e.Error, e.Message)
}

func Encode(v any) ([]byte, error) {
	b, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}
	return b, nil
}

// Peek reads only the envelope of a raw message.
func Peek(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

func Decode(data []byte, v any) error {
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}
	return nil
}
