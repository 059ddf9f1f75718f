// Package devices captures microphone, camera and screen with pion/mediadevices.
// Capture drivers are registered by blank imports in the binary.
package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/mentorhub/meet/internal/meeting"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errNoTrack = errors.New("stream has no track")

type Options struct {
	Width        int
	Height       int
	VideoBitRate int
	ScreenFPS    float32
	// ScreenDevice selects a display by device id; empty takes the first one.
	ScreenDevice string
	Logger       *zerolog.Logger
}

// Devices implements meeting.Devices.
type Devices struct {
	opts     Options
	selector *mediadevices.CodecSelector
	log      zerolog.Logger
	seq      atomic.Uint64
}

var _ meeting.Devices = (*Devices)(nil)

func New(opts Options) (*Devices, error) {
	if opts.Width == 0 {
		opts.Width = 640
	}
	if opts.Height == 0 {
		opts.Height = 480
	}
	if opts.VideoBitRate == 0 {
		opts.VideoBitRate = 500_000
	}
	if opts.ScreenFPS == 0 {
		opts.ScreenFPS = 5
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	vp8Params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vp8Params.BitRate = opts.VideoBitRate

	return &Devices{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
			mediadevices.WithVideoEncoders(&vp8Params),
		),
		log: logger.With().Str("module", "devices").Logger(),
	}, nil
}

func (d *Devices) Microphone(ctx context.Context) (meeting.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, classify("microphone", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, classify("microphone", errNoTrack)
	}
	return d.wrap(tracks[0], "mic", meeting.KindAudio, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	})
}

func (d *Devices) Camera(ctx context.Context) (meeting.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormat(frame.FormatI420)
			c.Width = prop.Int(d.opts.Width)
			c.Height = prop.Int(d.opts.Height)
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, classify("camera", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, classify("camera", errNoTrack)
	}
	return d.wrap(tracks[0], "cam", meeting.KindVideo, vp8Capability())
}

func (d *Devices) Screen(ctx context.Context) (meeting.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormat(frame.FormatI420)
			c.FrameRate = prop.Float(d.opts.ScreenFPS)
			if d.opts.ScreenDevice != "" {
				c.DeviceID = prop.String(d.opts.ScreenDevice)
			}
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, classify("screen", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, classify("screen", errNoTrack)
	}
	return d.wrap(tracks[0], "screen", meeting.KindVideo, vp8Capability())
}

func vp8Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

func (d *Devices) wrap(src captureSource, source string, kind meeting.MediaKind, codec webrtc.RTPCodecCapability) (meeting.LocalTrack, error) {
	id := fmt.Sprintf("%s-%d", source, d.seq.Add(1))
	out, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), id)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("%w: %s: %w", meeting.ErrCapture, source, err)
	}
	t, err := newLocalTrack(id, kind, src, out, d.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", meeting.ErrCapture, source, err)
	}
	d.log.Info().Str("track", id).Str("kind", string(kind)).Msg("capture started")
	return t, nil
}

// classify maps driver errors to the meeting error kinds.
func classify(device string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "not allowed") {
		return fmt.Errorf("%s: %w: %w", device, meeting.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %s: %w", meeting.ErrCapture, device, err)
}
