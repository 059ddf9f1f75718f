package meeting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateIdle    State = "idle"
	StateJoining State = "joining"
	StateJoined  State = "joined"
	StateLeft    State = "left"
)

const DefaultSubscribeTimeout = 10 * time.Second

type Options struct {
	Channel     Channel
	Devices     Devices
	AppID       string
	DisplayName string
	// MaxChatPayload caps an encoded chat envelope. Zero means DefaultMaxChatPayload.
	MaxChatPayload   int
	SubscribeTimeout time.Duration
	Now              func() time.Time
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// Session drives one meeting from join to leave. A left Session cannot be
// joined again; build a new one.
type Session struct {
	ch               Channel
	dev              Devices
	appID            string
	subscribeTimeout time.Duration
	log              zerolog.Logger

	registry *Registry
	monitor  *Monitor
	chat     *Chat

	mu                sync.Mutex
	state             State
	channelID         string
	uid               UID
	mic               LocalTrack
	video             LocalTrack
	screen            bool
	cameraBeforeShare bool
	toggling          bool
	fatal             error
	attempt           uint64
	cancelJoin        context.CancelFunc
	joinDone          chan struct{}
	eventsCtx         context.Context
	eventsCancel      context.CancelFunc

	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	observers map[uint64]func(View)
	nextObs   uint64
}

func New(opts Options) (*Session, error) {
	if opts.Channel == nil {
		return nil, ErrNoChannel
	}
	if opts.Devices == nil {
		return nil, ErrNoDevices
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if opts.DisplayName == "" {
		opts.DisplayName = "guest"
	}

	s := &Session{
		ch:               opts.Channel,
		dev:              opts.Devices,
		appID:            opts.AppID,
		subscribeTimeout: opts.SubscribeTimeout,
		log:              logger.With().Str("module", "meeting.session").Logger(),
		state:            StateIdle,
		eventsCtx:        context.Background(),
		eventsCancel:     func() {},
		observers:        make(map[uint64]func(View)),
	}
	s.registry = NewRegistry(opts.Channel.Subscribe, logger)
	s.monitor = NewMonitor(logger)
	s.chat = NewChat(opts.Channel.CreateDataStream, opts.DisplayName, opts.MaxChatPayload, opts.Now, logger)
	opts.Channel.SetEventHandler(s.handleEvent)
	return s, nil
}

// Join acquires microphone and camera, joins channelID and publishes both
// tracks. It returns nil without doing anything while a join is in flight
// or the session is already joined.
func (s *Session) Join(ctx context.Context, channelID, token string) error {
	s.mu.Lock()
	switch s.state {
	case StateJoining, StateJoined:
		s.mu.Unlock()
		return nil
	case StateLeft:
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.attempt++
	attempt := s.attempt
	jctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.state = StateJoining
	s.channelID = channelID
	s.fatal = nil
	s.cancelJoin = cancel
	s.joinDone = done
	s.eventsCtx, s.eventsCancel = context.WithCancel(context.Background())
	s.mu.Unlock()
	s.notify()

	err := s.join(jctx, attempt, channelID, token)
	cancel()
	close(done)
	s.notify()
	return err
}

func (s *Session) join(ctx context.Context, attempt uint64, channelID, token string) error {
	l := s.log.With().Str("channel", channelID).Logger()

	mic, err := s.dev.Microphone(ctx)
	if err != nil {
		return s.captureFailed(attempt, captureError("microphone", err))
	}
	if !s.wanted(attempt) {
		closeTracks(mic)
		return ErrCanceled
	}

	cam, err := s.dev.Camera(ctx)
	if err != nil {
		closeTracks(mic)
		return s.captureFailed(attempt, captureError("camera", err))
	}
	if !s.wanted(attempt) {
		closeTracks(mic, cam)
		return ErrCanceled
	}

	uid, err := s.ch.Join(ctx, s.appID, channelID, token)
	if err != nil {
		closeTracks(mic, cam)
		return s.joinFailed(attempt, fmt.Errorf("%w: %w", ErrJoin, err))
	}
	l.Info().Str("uid", string(uid)).Msg("channel joined")
	if !s.wanted(attempt) {
		closeTracks(mic, cam)
		s.leaveChannel()
		return ErrCanceled
	}

	if err := s.ch.Publish(ctx, mic, cam); err != nil {
		closeTracks(mic, cam)
		s.leaveChannel()
		return s.joinFailed(attempt, fmt.Errorf("%w: %w", ErrPublish, err))
	}

	s.mu.Lock()
	if s.state != StateJoining || s.attempt != attempt {
		s.mu.Unlock()
		closeTracks(mic, cam)
		s.leaveChannel()
		return ErrCanceled
	}
	s.state = StateJoined
	s.uid = uid
	s.mic = mic
	s.video = cam
	s.screen = false
	s.cameraBeforeShare = false
	s.monitor.Reset(Connected)
	s.mu.Unlock()

	l.Info().Str("uid", string(uid)).Msg("tracks published")
	return nil
}

func (s *Session) wanted(attempt uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateJoining && s.attempt == attempt
}

// captureFailed returns to idle and shows the error as a banner.
func (s *Session) captureFailed(attempt uint64, err error) error {
	if !s.abortJoin(attempt, nil) {
		return ErrCanceled
	}
	s.log.Warn().Err(err).Msg("capture failed")
	s.surface(err)
	return err
}

// joinFailed returns to idle and records err as fatal.
func (s *Session) joinFailed(attempt uint64, err error) error {
	if !s.abortJoin(attempt, err) {
		return ErrCanceled
	}
	s.log.Error().Err(err).Msg("join failed")
	return err
}

func (s *Session) abortJoin(attempt uint64, fatal error) bool {
	s.mu.Lock()
	if s.state != StateJoining || s.attempt != attempt {
		s.mu.Unlock()
		return false
	}
	s.state = StateIdle
	s.fatal = fatal
	cancel := s.eventsCancel
	s.mu.Unlock()

	cancel()
	s.registry.Clear()
	return true
}

func (s *Session) leaveChannel() {
	ctx, cancel := context.WithTimeout(context.Background(), s.subscribeTimeout)
	defer cancel()
	if err := s.ch.Leave(ctx); err != nil {
		s.log.Warn().Err(err).Msg("leave after aborted join")
	}
}

// Leave cancels an in-flight join or tears down a joined call. It is
// idempotent and the session stays closed afterwards.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateLeft:
		s.mu.Unlock()
		return nil
	case StateIdle:
		s.state = StateLeft
		s.mu.Unlock()
		s.notify()
		return nil
	case StateJoining:
		s.state = StateLeft
		cancelJoin, done, cancelEvents := s.cancelJoin, s.joinDone, s.eventsCancel
		s.mu.Unlock()

		cancelEvents()
		cancelJoin()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.registry.Clear()
		err := s.chat.Close()
		s.monitor.Reset(Disconnected)
		s.log.Info().Str("channel", s.channelID).Msg("join canceled by leave")
		s.notify()
		return err
	}

	s.state = StateLeft
	mic, video := s.mic, s.video
	s.mic, s.video = nil, nil
	s.screen = false
	cancelEvents := s.eventsCancel
	s.mu.Unlock()

	cancelEvents()
	closeTracks(mic, video)
	var errs []error
	if err := s.chat.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close data stream: %w", err))
	}
	s.registry.Clear()
	if err := s.ch.Leave(ctx); err != nil {
		errs = append(errs, fmt.Errorf("leave channel: %w", err))
	}
	s.monitor.Reset(Disconnected)
	s.log.Info().Str("channel", s.channelID).Msg("left")
	s.notify()
	return errors.Join(errs...)
}

// ToggleAudio flips the microphone enabled flag and reports the new value.
func (s *Session) ToggleAudio() (bool, error) {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if s.mic == nil {
		s.mu.Unlock()
		return false, ErrNoTrack
	}
	on := !s.mic.Enabled()
	s.mic.SetEnabled(on)
	s.mu.Unlock()

	s.log.Debug().Bool("enabled", on).Msg("microphone toggled")
	s.notify()
	return on, nil
}

// ToggleVideo unpublishes and closes the camera, or captures and publishes
// a fresh one. It reports whether the camera is now on.
func (s *Session) ToggleVideo(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if s.screen {
		s.mu.Unlock()
		return false, ErrScreenSharing
	}
	s.toggling = true
	cam := s.video
	s.video = nil
	s.mu.Unlock()
	s.notify()

	on, err := s.toggleVideo(ctx, cam)
	s.notify()
	return on, err
}

func (s *Session) toggleVideo(ctx context.Context, cam LocalTrack) (bool, error) {
	if cam != nil {
		err := s.ch.Unpublish(ctx, cam)
		closeTracks(cam)
		s.finishToggle(nil, false, false)
		if err != nil {
			return false, fmt.Errorf("%w: camera: %w", ErrUnpublish, err)
		}
		s.log.Info().Msg("camera off")
		return false, nil
	}

	cam, err := s.dev.Camera(ctx)
	if err != nil {
		s.finishToggle(nil, false, false)
		err = captureError("camera", err)
		s.surface(err)
		return false, err
	}
	if err := s.ch.Publish(ctx, cam); err != nil {
		closeTracks(cam)
		s.finishToggle(nil, false, false)
		return false, fmt.Errorf("%w: camera: %w", ErrPublish, err)
	}
	if !s.finishToggle(cam, false, false) {
		return false, ErrCanceled
	}
	s.log.Info().Msg("camera on")
	return true, nil
}

// ToggleScreenShare swaps the camera for a screen capture or back. It
// reports whether a share is active afterwards.
func (s *Session) ToggleScreenShare(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.toggling = true
	sharing := s.screen
	cur := s.video
	s.video = nil
	cameraBefore := s.cameraBeforeShare
	s.mu.Unlock()
	s.notify()

	var (
		on  bool
		err error
	)
	if sharing {
		on, err = s.stopShare(ctx, cur, cameraBefore)
	} else {
		on, err = s.startShare(ctx, cur)
	}
	s.notify()
	return on, err
}

func (s *Session) startShare(ctx context.Context, cam LocalTrack) (bool, error) {
	camOn := cam != nil
	if camOn {
		if err := s.ch.Unpublish(ctx, cam); err != nil {
			s.log.Warn().Err(err).Msg("unpublish camera for share")
		}
		closeTracks(cam)
	}

	scr, err := s.dev.Screen(ctx)
	if err != nil {
		err = captureError("screen", err)
		s.surface(err)
		s.finishToggle(s.restoreCamera(ctx, camOn), false, false)
		return false, err
	}
	if err := s.ch.Publish(ctx, scr); err != nil {
		closeTracks(scr)
		s.finishToggle(s.restoreCamera(ctx, camOn), false, false)
		return false, fmt.Errorf("%w: screen: %w", ErrPublish, err)
	}
	if !s.finishToggle(scr, true, camOn) {
		return false, ErrCanceled
	}
	s.log.Info().Bool("camera_before", camOn).Msg("screen share started")
	return true, nil
}

func (s *Session) stopShare(ctx context.Context, scr LocalTrack, cameraBefore bool) (bool, error) {
	if scr != nil {
		if err := s.ch.Unpublish(ctx, scr); err != nil {
			s.log.Warn().Err(err).Msg("unpublish screen")
		}
		closeTracks(scr)
	}
	if !s.finishToggle(s.restoreCamera(ctx, cameraBefore), false, false) {
		return false, ErrCanceled
	}
	s.log.Info().Bool("camera", cameraBefore).Msg("screen share stopped")
	return false, nil
}

// restoreCamera captures and publishes a camera track when want is set.
// Failures are surfaced and leave the camera off.
func (s *Session) restoreCamera(ctx context.Context, want bool) LocalTrack {
	if !want {
		return nil
	}
	cam, err := s.dev.Camera(ctx)
	if err != nil {
		err = captureError("camera", err)
		s.log.Warn().Err(err).Msg("restore camera")
		s.surface(err)
		return nil
	}
	if err := s.ch.Publish(ctx, cam); err != nil {
		closeTracks(cam)
		err = fmt.Errorf("%w: camera: %w", ErrPublish, err)
		s.log.Warn().Err(err).Msg("restore camera")
		s.surface(err)
		return nil
	}
	return cam
}

// finishToggle installs the toggle result. When the session left in the
// meantime the track is closed instead and false is returned.
func (s *Session) finishToggle(video LocalTrack, screen, cameraBefore bool) bool {
	s.mu.Lock()
	s.toggling = false
	if s.state != StateJoined {
		s.mu.Unlock()
		closeTracks(video)
		return false
	}
	s.video = video
	s.screen = screen && video != nil
	s.cameraBeforeShare = cameraBefore
	s.mu.Unlock()
	return true
}

func (s *Session) readyLocked() error {
	if s.state != StateJoined {
		return ErrNotJoined
	}
	if s.monitor.State() != Connected {
		return ErrNotConnected
	}
	if s.toggling {
		return ErrBusy
	}
	return nil
}

func (s *Session) SendText(ctx context.Context, text string) error {
	if err := s.requireJoined(); err != nil {
		return err
	}
	if _, err := s.chat.SendText(ctx, text); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Session) SendFile(ctx context.Context, name, mime string, data []byte) error {
	if err := s.requireJoined(); err != nil {
		return err
	}
	if _, err := s.chat.SendFile(ctx, name, mime, data); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Session) requireJoined() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined {
		return ErrNotJoined
	}
	return nil
}

// DismissBanner clears a transient error banner.
func (s *Session) DismissBanner() {
	if s.monitor.Dismiss() {
		s.notify()
	}
}

func (s *Session) handleEvent(ev Event) {
	s.mu.Lock()
	active := s.state == StateJoining || s.state == StateJoined
	eventsCtx := s.eventsCtx
	s.mu.Unlock()
	if !active {
		s.log.Debug().Type("event", ev).Msg("event outside a call ignored")
		return
	}

	changed := false
	switch e := ev.(type) {
	case UserPublished:
		run := s.registry.Begin(e.UID, e.Kind)
		go func() {
			ctx, cancel := context.WithTimeout(eventsCtx, s.subscribeTimeout)
			defer cancel()
			if err := run(ctx); err != nil {
				s.log.Warn().Err(err).Str("uid", string(e.UID)).Str("kind", string(e.Kind)).Msg("subscribe")
				return
			}
			s.notify()
		}()
	case UserUnpublished:
		changed = s.registry.HandleUnpublished(e.UID, e.Kind)
	case UserLeft:
		changed = s.registry.HandleLeft(e.UID)
	case VolumeIndicator:
		changed = s.registry.HandleVolume(e.Levels)
	case ConnectionStateChanged:
		changed = s.monitor.Handle(e.Current)
	case StreamMessage:
		_, err := s.chat.Receive(e.UID, e.Data)
		changed = err == nil
	case Exception:
		if IsTransientException(e.Code) {
			s.log.Debug().Str("code", e.Code).Str("msg", e.Message).Msg("transient exception")
			return
		}
		s.log.Warn().Str("code", e.Code).Str("msg", e.Message).Msg("transport exception")
		changed = s.monitor.Surface(Banner{Kind: BannerError, Code: e.Code, Message: e.Message, Transient: true})
	}
	if changed {
		s.notify()
	}
}

func (s *Session) surface(err error) {
	s.monitor.Surface(Banner{Kind: BannerError, Code: Code(err), Message: err.Error(), Transient: true})
}

func captureError(device string, err error) error {
	if errors.Is(err, ErrCapture) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrCapture, device, err)
}

func closeTracks(tracks ...LocalTrack) {
	for _, t := range tracks {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			log.Debug().Err(err).Str("module", "meeting.session").Str("track", t.ID()).Msg("close track")
		}
	}
}
