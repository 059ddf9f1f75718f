package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mentorhub/meet/internal/meeting"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

const (
	audioFrame = 20 * time.Millisecond
	// maxReadErrors consecutive read failures stop the pump.
	maxReadErrors = 50
)

// sampleWriter is the part of webrtc.TrackLocalStaticSample the pump uses.
type sampleWriter interface {
	WriteSample(media.Sample) error
}

type encodedReader interface {
	Read() (mediadevices.EncodedBuffer, func(), error)
	Close() error
}

// captureSource is the part of mediadevices.Track a LocalTrack needs.
type captureSource interface {
	NewEncodedReader(codecName string) (mediadevices.EncodedReadCloser, error)
	Close() error
}

// LocalTrack pumps encoded samples from a capture track into a pion track.
// Samples are dropped while the track is disabled.
type LocalTrack struct {
	id        string
	kind      meeting.MediaKind
	src       io.Closer
	out       *webrtc.TrackLocalStaticSample
	clockRate uint32
	log       zerolog.Logger

	enabled atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

var _ meeting.LocalTrack = (*LocalTrack)(nil)

// newLocalTrack starts pumping src into out. On error src is closed.
func newLocalTrack(id string, kind meeting.MediaKind, src captureSource, out *webrtc.TrackLocalStaticSample, logger zerolog.Logger) (*LocalTrack, error) {
	reader, err := src.NewEncodedReader(out.Codec().MimeType)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("encoded reader: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &LocalTrack{
		id:        id,
		kind:      kind,
		src:       src,
		out:       out,
		clockRate: out.Codec().ClockRate,
		log:       logger.With().Str("track", id).Logger(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump(ctx, reader, out)
	return t, nil
}

func (t *LocalTrack) ID() string              { return t.id }
func (t *LocalTrack) Kind() meeting.MediaKind { return t.kind }
func (t *LocalTrack) Enabled() bool           { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(on bool)      { t.enabled.Store(on) }

// WebRTCTrack is what gets attached to the publisher connection.
func (t *LocalTrack) WebRTCTrack() webrtc.TrackLocal { return t.out }

func (t *LocalTrack) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		err = t.src.Close()
		<-t.done
		t.log.Info().Msg("capture stopped")
	})
	return err
}

func (t *LocalTrack) duration(samples uint32) time.Duration {
	if t.kind == meeting.KindAudio || t.clockRate == 0 {
		return audioFrame
	}
	return time.Duration(samples) * time.Second / time.Duration(t.clockRate)
}

func (t *LocalTrack) pump(ctx context.Context, reader encodedReader, out sampleWriter) {
	defer close(t.done)
	defer reader.Close()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if release != nil {
				release()
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			failures++
			if failures >= maxReadErrors {
				t.log.Error().Err(err).Int("failures", failures).Msg("capture keeps failing, stopping")
				return
			}
			t.log.Warn().Err(err).Msg("read sample")
			select {
			case <-ctx.Done():
				return
			case <-time.After(audioFrame):
			}
			continue
		}
		failures = 0
		if buf.Samples == 0 || !t.enabled.Load() {
			release()
			continue
		}
		err = out.WriteSample(media.Sample{Data: buf.Data, Duration: t.duration(buf.Samples)})
		release()
		if err != nil {
			t.log.Debug().Err(err).Msg("write sample")
		}
	}
}
