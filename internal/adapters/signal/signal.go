package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mentorhub/meet/internal/app/orch"
	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	sendQueue    = 32
	writeTimeout = 5 * time.Second
)

type SignalWSController struct {
	Orch *orch.Orchestrator
	// API builds the peer connections of new sessions.
	API       *webrtc.API
	RTCConfig webrtc.Configuration
	Limiter   *ChannelRateLimiter
	// ReadLimit caps an inbound frame; zero leaves the websocket default.
	ReadLimit int64
	// PingPeriod enables websocket keepalive pings when set.
	PingPeriod time.Duration
}

func NewSignalWSController(o *orch.Orchestrator, api *webrtc.API) *SignalWSController {
	return &SignalWSController{
		Orch:      o,
		API:       api,
		RTCConfig: webrtcConfig(),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendQueue),
	}

	// A second socket with the same client token replaces the first.
	if _, ok := ctl.Orch.Registry.GetSession(sid); ok {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("replacing previous connection")
		ctl.Orch.KickBySID(sid, "replaced")
		ctl.Orch.Registry.Cancel(sid)
	}

	user := ctl.Orch.Registry.GetOrCreateUser(sid)
	meta := domain.NewMember(user)
	sess := core.NewMemberSession(meta).UpdateSignal(conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, sess, cancel)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
