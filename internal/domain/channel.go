package domain

import "errors"

const MaxChannelNameLen = 64

var (
	ErrChannelNameEmpty   = errors.New("channel name empty")
	ErrChannelNameTooLong = errors.New("channel name too long")
	ErrUnknownMediaKind   = errors.New("unknown media kind")
)

type ChannelName string

func ParseChannelName(raw string) (ChannelName, error) {
	if raw == "" {
		return "", ErrChannelNameEmpty
	}
	if len(raw) > MaxChannelNameLen {
		return "", ErrChannelNameTooLong
	}
	return ChannelName(raw), nil
}

type Channel struct {
	Name ChannelName
}

// MediaKind is the kind of a published track. Screen share is published as video.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func ParseMediaKind(raw string) (MediaKind, error) {
	switch MediaKind(raw) {
	case MediaAudio, MediaVideo:
		return MediaKind(raw), nil
	}
	return "", ErrUnknownMediaKind
}
