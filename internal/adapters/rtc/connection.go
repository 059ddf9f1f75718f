package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mentorhub/meet/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("peer connection closed")

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// NewAPI builds a pion API with the default codecs, the default interceptors
// and the ssrc-audio-level header extension for audio.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)), nil
}

// WebRTCConnection wraps one PeerConnection. Locally initiated negotiation
// is serialized: Renegotiate while an offer is outstanding is coalesced into
// one more offer after the answer arrives.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	sid    core.SessionID
	role   string
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once

	negMu    sync.Mutex
	offering bool
	pending  bool

	cbMu     sync.RWMutex
	onICE    func(webrtc.ICECandidateInit)
	onOffer  func(webrtc.SessionDescription)
	onTrack  func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onState  func(webrtc.PeerConnectionState)
	onClosed func()
}

var _ core.MediaConnection = (*WebRTCConnection)(nil)

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, sid core.SessionID, role string) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &WebRTCConnection{
		pc:     pc,
		sid:    sid,
		role:   role,
		log:    log.With().Str("module", "webrtc").Str("sid", string(sid)).Str("role", role).Logger(),
		ctx:    context.Background(),
		cancel: func() {},
	}, nil
}

func (c *WebRTCConnection) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.cbMu.RLock()
		onState := c.onState
		c.cbMu.RUnlock()
		if onState != nil {
			onState(s)
		}
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.Close()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		c.cbMu.RLock()
		onICE := c.onICE
		c.cbMu.RUnlock()
		if cand != nil && onICE != nil {
			onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.cbMu.RLock()
		onTrack := c.onTrack
		c.cbMu.RUnlock()
		if onTrack != nil {
			onTrack(c.ctx, track, receiver)
		}
	})

	go func() {
		<-c.ctx.Done()
		c.Close()
	}()
	return nil
}

func (c *WebRTCConnection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-c.ctx.Done():
		return nil, ErrClosed
	}

	return c.pc.LocalDescription(), nil
}

func (c *WebRTCConnection) Renegotiate() error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.negMu.Lock()
	if c.offering {
		c.pending = true
		c.negMu.Unlock()
		return nil
	}
	c.offering = true
	c.negMu.Unlock()
	return c.offer()
}

func (c *WebRTCConnection) offer() error {
	fail := func(err error) error {
		c.negMu.Lock()
		c.offering = false
		c.pending = false
		c.negMu.Unlock()
		return err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("set local offer: %w", err))
	}
	select {
	case <-gatherComplete:
	case <-c.ctx.Done():
		return fail(ErrClosed)
	}

	c.cbMu.RLock()
	onOffer := c.onOffer
	c.cbMu.RUnlock()
	if onOffer == nil {
		return fail(errors.New("no offer handler"))
	}
	c.log.Debug().Msg("sending offer")
	onOffer(*c.pc.LocalDescription())
	return nil
}

// ApplyAnswer completes the outstanding offer and sends a coalesced one if
// Renegotiate was called meanwhile.
func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		c.negMu.Lock()
		c.offering = false
		c.negMu.Unlock()
		return fmt.Errorf("set remote answer: %w", err)
	}
	c.negMu.Lock()
	if c.pending {
		c.pending = false
		c.negMu.Unlock()
		return c.offer()
	}
	c.offering = false
	c.negMu.Unlock()
	return nil
}

// AbortOffer forgets an outstanding offer whose answer will never arrive.
func (c *WebRTCConnection) AbortOffer() {
	c.negMu.Lock()
	defer c.negMu.Unlock()
	c.offering = false
	c.pending = false
}

func (c *WebRTCConnection) IsClosed() bool { return c.closed.Load() }

func (c *WebRTCConnection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
	} else {
		c.log.Info().Msg("closed")
	}
	c.once.Do(func() {
		c.cbMu.RLock()
		onClosed := c.onClosed
		c.cbMu.RUnlock()
		if onClosed != nil {
			onClosed()
		}
	})
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onICE = fn
}

// OnOffer sets the callback that delivers locally created offers.
func (c *WebRTCConnection) OnOffer(fn func(webrtc.SessionDescription)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onOffer = fn
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onTrack = fn
}

func (c *WebRTCConnection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onState = fn
}

// OnClosed sets application-level callback for cleanup tracks. It runs once.
func (c *WebRTCConnection) OnClosed(fn func()) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onClosed = fn
}

// AddLocalTrack attaches a local track to the PeerConnection.
func (c *WebRTCConnection) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	return sender, nil
}

func (c *WebRTCConnection) RemoveLocalTrack(sender *webrtc.RTPSender) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	return nil
}

func (c *WebRTCConnection) WriteRTCP(pkts []rtcp.Packet) error {
	return c.pc.WriteRTCP(pkts)
}
