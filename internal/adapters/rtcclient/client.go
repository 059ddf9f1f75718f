// Package rtcclient joins a meet channel server over websocket signaling and
// two pion peer connections.
package rtcclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mentorhub/meet/internal/adapters/rtc"
	"github.com/mentorhub/meet/internal/meeting"
	"github.com/mentorhub/meet/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected = errors.New("signaling not connected")
	ErrClosed       = errors.New("client closed")
)

const (
	sendQueue    = 32
	writeTimeout = 5 * time.Second
	negotiateTTL = 15 * time.Second
)

// RemoteError is an error message returned by the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "server: " + e.Code
	}
	return fmt.Sprintf("server: %s: %s", e.Code, e.Message)
}

type Options struct {
	// URL of the signaling websocket, e.g. ws://localhost:8080/api/ws/signal.
	URL       string
	Name      string
	API       *webrtc.API
	RTCConfig webrtc.Configuration
	Dialer    *websocket.Dialer
	// PingPeriod enables signaling keepalive pings.
	PingPeriod time.Duration
	// RecordDir receives ogg/ivf files of played remote tracks when set.
	RecordDir string
	Logger    *zerolog.Logger
}

// Client implements meeting.Channel.
type Client struct {
	opts Options
	log  zerolog.Logger

	handlerMu sync.RWMutex
	handler   meeting.EventHandler

	// events is unbounded; only consecutive volume frames are coalesced.
	evMu     sync.Mutex
	events   []meeting.Event
	evClosed bool
	evWake   chan struct{}
	loopDone chan struct{}

	mu      sync.Mutex
	conn    *conn
	pub     *rtc.WebRTCConnection
	sub     *rtc.WebRTCConnection
	uid     meeting.UID
	senders map[string]*webrtc.RTPSender
	negErr  error
	negCtx  context.Context
	state   string

	remotes *remoteSet
	seq     atomic.Uint64
}

var _ meeting.Channel = (*Client)(nil)

func New(opts Options) (*Client, error) {
	if opts.API == nil {
		api, err := rtc.NewAPI()
		if err != nil {
			return nil, err
		}
		opts.API = api
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if len(opts.RTCConfig.ICEServers) == 0 {
		opts.RTCConfig = rtc.DefaultWebRTCConfig()
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c := &Client{
		opts:     opts,
		log:      logger.With().Str("module", "rtcclient").Logger(),
		evWake:   make(chan struct{}, 1),
		loopDone: make(chan struct{}),
		senders:  make(map[string]*webrtc.RTPSender),
		remotes:  newRemoteSet(),
	}
	go c.eventLoop()
	return c, nil
}

func (c *Client) SetEventHandler(h meeting.EventHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = h
}

func (c *Client) eventLoop() {
	defer close(c.loopDone)
	for {
		c.evMu.Lock()
		batch, closed := c.events, c.evClosed
		c.events = nil
		c.evMu.Unlock()

		for _, ev := range batch {
			c.handlerMu.RLock()
			h := c.handler
			c.handlerMu.RUnlock()
			if h != nil {
				h(ev)
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-c.evWake
	}
}

// emit queues ev for the handler. A volume frame replaces a volume frame
// still waiting at the tail; every other event is kept.
func (c *Client) emit(ev meeting.Event) {
	c.evMu.Lock()
	if c.evClosed {
		c.evMu.Unlock()
		return
	}
	n := len(c.events)
	if _, vol := ev.(meeting.VolumeIndicator); vol && n > 0 {
		if _, tail := c.events[n-1].(meeting.VolumeIndicator); tail {
			c.events[n-1] = ev
			c.evMu.Unlock()
			return
		}
	}
	c.events = append(c.events, ev)
	c.evMu.Unlock()
	c.wake()
}

func (c *Client) wake() {
	select {
	case c.evWake <- struct{}{}:
	default:
	}
}

// Close tears down any connection and stops event delivery once the queued
// events are handled. The client cannot be used afterwards.
func (c *Client) Close() error {
	c.teardown()
	c.evMu.Lock()
	already := c.evClosed
	c.evClosed = true
	c.evMu.Unlock()
	if !already {
		c.wake()
	}
	return nil
}

// setState emits a ConnectionStateChanged when the mapped state changes.
func (c *Client) setState(state, reason string) {
	c.mu.Lock()
	prev := c.state
	if prev == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	c.emit(meeting.ConnectionStateChanged{Current: state, Previous: prev, Reason: reason})
}

func mapPeerState(s webrtc.PeerConnectionState) (string, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return string(meeting.Connected), true
	case webrtc.PeerConnectionStateDisconnected:
		return string(meeting.Reconnecting), true
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return string(meeting.Disconnected), true
	}
	return "", false
}

func (c *Client) nextID() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}

func (c *Client) current() (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Join dials the signaling socket, prepares both peer connections and joins
// the channel.
func (c *Client) Join(ctx context.Context, appID, channel, token string) (meeting.UID, error) {
	c.evMu.Lock()
	closed := c.evClosed
	c.evMu.Unlock()
	if closed {
		return "", ErrClosed
	}
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return "", errors.New("already joined")
	}
	c.mu.Unlock()

	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return "", fmt.Errorf("dial signaling: %w", err)
	}
	sc := newConn(ws, c)

	pub, err := c.newPeer(sc, signaling.TargetPublisher)
	if err != nil {
		sc.close()
		return "", err
	}
	sub, err := c.newPeer(sc, signaling.TargetSubscriber)
	if err != nil {
		pub.Close()
		sc.close()
		return "", err
	}
	pub.OnOffer(func(offer webrtc.SessionDescription) { c.sendPublisherOffer(sc, pub, offer) })
	sub.OnTrack(func(_ context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.remotes.add(track)
	})

	c.mu.Lock()
	c.conn, c.pub, c.sub = sc, pub, sub
	c.state = ""
	c.mu.Unlock()

	go sc.writePump(c.opts.PingPeriod)
	go sc.readPump()

	raw, err := sc.call(ctx, func(id string) any {
		return signaling.Join{
			Envelope: signaling.Envelope{Type: signaling.TypeJoin, ID: id},
			AppID:    appID,
			Channel:  channel,
			Token:    token,
			Name:     c.opts.Name,
		}
	})
	if err != nil {
		c.teardown()
		return "", err
	}
	var joined signaling.Joined
	if err := signaling.Decode(raw, &joined); err != nil {
		c.teardown()
		return "", err
	}
	uid := meeting.UID(joined.UID)
	c.mu.Lock()
	c.uid = uid
	c.mu.Unlock()
	c.log.Info().Str("uid", joined.UID).Str("channel", joined.Channel).Msg("joined")
	return uid, nil
}

func (c *Client) newPeer(sc *conn, target string) (*rtc.WebRTCConnection, error) {
	pc, err := rtc.NewWebRTCConnection(c.opts.API, c.opts.RTCConfig, "", target)
	if err != nil {
		return nil, err
	}
	pc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		sc.send(signaling.Candidate{
			Envelope:         signaling.Envelope{Type: signaling.TypeCandidate},
			Target:           target,
			ICECandidateInit: ci,
		})
	})
	pc.OnStateChange(func(s webrtc.PeerConnectionState) {
		if state, ok := mapPeerState(s); ok && !sc.closing.Load() {
			c.setState(state, target+" "+s.String())
		}
	})
	if err := pc.Start(sc.ctx); err != nil {
		pc.Close()
		return nil, err
	}
	return pc, nil
}

// Leave tells the server and tears down every connection.
func (c *Client) Leave(ctx context.Context) error {
	sc, err := c.current()
	if err != nil {
		return nil
	}
	sc.closing.Store(true)
	_, err = sc.call(ctx, func(id string) any {
		return signaling.Envelope{Type: signaling.TypeLeave, ID: id}
	})
	c.teardown()
	if err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("leave: %w", err)
	}
	return nil
}

func (c *Client) teardown() {
	c.mu.Lock()
	sc, pub, sub := c.conn, c.pub, c.sub
	c.conn, c.pub, c.sub = nil, nil, nil
	c.uid = ""
	clear(c.senders)
	c.mu.Unlock()

	if sc != nil {
		sc.closing.Store(true)
	}
	if pub != nil {
		pub.Close()
	}
	if sub != nil {
		sub.Close()
	}
	c.remotes.reset()
	if sc != nil {
		sc.close()
	}
}

// lost is called when the signaling socket fails outside of Leave.
func (c *Client) lost(sc *conn, err error) {
	c.mu.Lock()
	current := c.conn == sc
	c.mu.Unlock()
	if !current || sc.closing.Load() {
		return
	}
	c.log.Warn().Err(err).Msg("signaling lost")
	c.setState(string(meeting.Disconnected), "signaling: "+err.Error())
}

// dispatch handles a server message that is not a reply.
func (c *Client) dispatch(sc *conn, env signaling.Envelope, data []byte) {
	switch env.Type {
	case signaling.TypeOffer:
		c.handleSubscriberOffer(sc, data)
	case signaling.TypeCandidate:
		c.handleCandidate(data)
	case signaling.TypeUserPublished, signaling.TypeUserUnpublished:
		var p signaling.Publication
		if err := signaling.Decode(data, &p); err != nil {
			c.log.Warn().Err(err).Msg("bad publication")
			return
		}
		if env.Type == signaling.TypeUserPublished {
			c.emit(meeting.UserPublished{UID: meeting.UID(p.UID), Kind: meeting.MediaKind(p.Kind)})
			return
		}
		c.remotes.remove(meeting.UID(p.UID), meeting.MediaKind(p.Kind))
		c.emit(meeting.UserUnpublished{UID: meeting.UID(p.UID), Kind: meeting.MediaKind(p.Kind)})
	case signaling.TypeUserLeft:
		var p signaling.UserLeft
		if err := signaling.Decode(data, &p); err != nil {
			return
		}
		c.remotes.removeUser(meeting.UID(p.UID))
		c.emit(meeting.UserLeft{UID: meeting.UID(p.UID), Reason: p.Reason})
	case signaling.TypeVolumeIndicator:
		var p signaling.VolumeIndicator
		if err := signaling.Decode(data, &p); err != nil {
			return
		}
		levels := make([]meeting.VolumeLevel, 0, len(p.Levels))
		for _, l := range p.Levels {
			levels = append(levels, meeting.VolumeLevel{UID: meeting.UID(l.UID), Level: l.Level})
		}
		c.emit(meeting.VolumeIndicator{Levels: levels})
	case signaling.TypeStreamMessage:
		var p signaling.StreamMessage
		if err := signaling.Decode(data, &p); err != nil {
			return
		}
		c.emit(meeting.StreamMessage{UID: meeting.UID(p.UID), Data: p.Data})
	case signaling.TypeError:
		var p signaling.Error
		if err := signaling.Decode(data, &p); err != nil {
			return
		}
		c.emit(meeting.Exception{Code: p.Error, Message: p.Message})
	case signaling.TypePong:
	default:
		c.log.Debug().Str("type", env.Type).Msg("unhandled signal")
	}
}

func (c *Client) handleSubscriberOffer(sc *conn, data []byte) {
	var p signaling.SDP
	if err := signaling.Decode(data, &p); err != nil || p.Target != signaling.TargetSubscriber {
		c.log.Warn().Msg("bad subscriber offer")
		return
	}
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil {
		return
	}
	answer, err := sub.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP})
	if err != nil {
		c.log.Error().Err(err).Msg("apply subscriber offer")
		c.emit(meeting.Exception{Code: signaling.CodeNegotiation, Message: err.Error()})
		return
	}
	sc.send(signaling.SDP{
		Envelope: signaling.Envelope{Type: signaling.TypeAnswer},
		Target:   signaling.TargetSubscriber,
		SDP:      answer.SDP,
	})
}

func (c *Client) handleCandidate(data []byte) {
	var p signaling.Candidate
	if err := signaling.Decode(data, &p); err != nil {
		return
	}
	c.mu.Lock()
	pc := c.pub
	if p.Target == signaling.TargetSubscriber {
		pc = c.sub
	}
	c.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(p.ICECandidateInit); err != nil {
		c.log.Debug().Err(err).Str("target", p.Target).Msg("add ice candidate")
	}
}
