package rtcclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mentorhub/meet/internal/meeting"
	"github.com/mentorhub/meet/internal/signaling"
)

// conn is one signaling websocket with request/reply correlation.
type conn struct {
	ws     *websocket.Conn
	client *Client
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte

	closing  atomic.Bool
	lastPong atomic.Int64
	once     sync.Once

	mu      sync.Mutex
	pending map[string]chan []byte
}

func newConn(ws *websocket.Conn, c *Client) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	sc := &conn{
		ws:      ws,
		client:  c,
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan []byte, sendQueue),
		pending: make(map[string]chan []byte),
	}
	sc.lastPong.Store(time.Now().UnixNano())
	return sc
}

func (sc *conn) close() {
	sc.once.Do(func() {
		sc.cancel()
		_ = sc.ws.Close()
	})
}

func (sc *conn) send(v any) bool {
	b, err := signaling.Encode(v)
	if err != nil {
		sc.client.log.Error().Err(err).Msg("encode signal")
		return false
	}
	select {
	case sc.out <- b:
		return true
	case <-sc.ctx.Done():
		return false
	}
}

// call sends the message built for a fresh id and waits for the reply with
// the same id. Error replies are returned as *RemoteError.
func (sc *conn) call(ctx context.Context, build func(id string) any) ([]byte, error) {
	id := sc.client.nextID()
	reply := make(chan []byte, 1)
	sc.mu.Lock()
	sc.pending[id] = reply
	sc.mu.Unlock()
	defer func() {
		sc.mu.Lock()
		delete(sc.pending, id)
		sc.mu.Unlock()
	}()

	if !sc.send(build(id)) {
		return nil, ErrClosed
	}
	select {
	case data := <-reply:
		env, err := signaling.Peek(data)
		if err != nil {
			return nil, err
		}
		if env.Type == signaling.TypeError {
			var e signaling.Error
			if err := signaling.Decode(data, &e); err != nil {
				return nil, err
			}
			return nil, &RemoteError{Code: e.Error, Message: e.Message}
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sc.ctx.Done():
		return nil, ErrClosed
	}
}

func (sc *conn) writePump(pingPeriod time.Duration) {
	var ping <-chan time.Time
	if pingPeriod > 0 {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		ping = t.C
	}
	var lastPing time.Time
	for {
		select {
		case <-sc.ctx.Done():
			return
		case now := <-ping:
			if !lastPing.IsZero() && sc.lastPong.Load() < lastPing.UnixNano() {
				sc.client.emit(meeting.Exception{Code: "keepalive_timeout", Message: "no pong from server"})
			}
			lastPing = now
			b, _ := signaling.Encode(signaling.Envelope{Type: signaling.TypePing})
			if err := sc.write(b); err != nil {
				sc.client.lost(sc, err)
				sc.close()
				return
			}
		case data := <-sc.out:
			if err := sc.write(data); err != nil {
				sc.client.lost(sc, err)
				sc.close()
				return
			}
		}
	}
}

func (sc *conn) write(data []byte) error {
	if err := sc.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return sc.ws.WriteMessage(websocket.TextMessage, data)
}

func (sc *conn) readPump() {
	defer sc.close()
	for {
		_, data, err := sc.ws.ReadMessage()
		if err != nil {
			sc.client.lost(sc, err)
			return
		}
		env, err := signaling.Peek(data)
		if err != nil {
			sc.client.log.Warn().Err(err).Msg("bad signal from server")
			continue
		}
		if env.Type == signaling.TypePong {
			sc.lastPong.Store(time.Now().UnixNano())
		}
		if env.ID != "" {
			sc.mu.Lock()
			reply, ok := sc.pending[env.ID]
			sc.mu.Unlock()
			if ok {
				select {
				case reply <- data:
				default:
				}
				continue
			}
		}
		sc.client.dispatch(sc, env, data)
	}
}
