package meeting

import (
	"context"
	"errors"
)

var (
	ErrNoChannel        = errors.New("no channel provided")
	ErrNoDevices        = errors.New("no devices provided")
	ErrPermissionDenied = errors.New("permission denied")
	ErrCapture          = errors.New("capture failed")
	ErrJoin             = errors.New("join failed")
	ErrPublish          = errors.New("publish failed")
	ErrUnpublish        = errors.New("unpublish failed")
	ErrSubscribe        = errors.New("subscribe failed")
	ErrCanceled         = errors.New("join canceled")
	ErrSessionClosed    = errors.New("session closed")
	ErrNotJoined        = errors.New("not joined")
	ErrNotConnected     = errors.New("not connected")
	ErrBusy             = errors.New("another toggle is in progress")
	ErrScreenSharing    = errors.New("screen share is active")
	ErrNoTrack          = errors.New("no local track")
	ErrPayloadTooLarge  = errors.New("chat payload too large")
	ErrEmptyMessage     = errors.New("empty chat message")
	ErrMalformedMessage = errors.New("malformed chat message")
)

// Code maps an error returned by this package to a short stable code for
// user-facing state.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrCapture):
		return "capture_failed"
	case errors.Is(err, ErrJoin):
		return "join_failed"
	case errors.Is(err, ErrPublish), errors.Is(err, ErrUnpublish):
		return "publish_failed"
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrNotJoined), errors.Is(err, ErrSessionClosed):
		return "not_joined"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrScreenSharing):
		return "screen_sharing"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	}
	return "internal"
}
