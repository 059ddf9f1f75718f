package meeting

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

const DefaultMaxChatPayload = 64 << 10

type MessageKind string

const (
	MessageText MessageKind = "text"
	MessageFile MessageKind = "file"
)

type FilePayload struct {
	Name string `json:"name" yaml:"name"`
	MIME string `json:"type" yaml:"type"`
	Data []byte `json:"data" yaml:"-"`
}

type ChatMessage struct {
	Sender    string       `yaml:"sender"`
	Kind      MessageKind  `yaml:"kind"`
	Text      string       `yaml:"text,omitempty"`
	File      *FilePayload `yaml:"file,omitempty"`
	Timestamp int64        `yaml:"timestamp"`
	// From is the transport identity of a received message; empty for local ones.
	From UID `yaml:"from,omitempty"`
}

// wire form of a chat message on the data stream
type envelope struct {
	Sender    string          `json:"sender"`
	Kind      MessageKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type StreamOpener func(ctx context.Context) (DataStream, error)

// Chat is an in-memory message list backed by a lazily created data stream.
type Chat struct {
	open   StreamOpener
	sender string
	max    int
	now    func() time.Time
	log    zerolog.Logger

	sendMu sync.Mutex
	stream DataStream

	mu       sync.Mutex
	messages []ChatMessage
}

func NewChat(open StreamOpener, sender string, maxPayload int, now func() time.Time, logger zerolog.Logger) *Chat {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxChatPayload
	}
	if now == nil {
		now = time.Now
	}
	return &Chat{
		open:   open,
		sender: sender,
		max:    maxPayload,
		now:    now,
		log:    logger.With().Str("module", "meeting.chat").Logger(),
	}
}

func (c *Chat) SendText(ctx context.Context, text string) (ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return ChatMessage{}, ErrEmptyMessage
	}
	return c.send(ctx, ChatMessage{Kind: MessageText, Text: text})
}

func (c *Chat) SendFile(ctx context.Context, name, mime string, data []byte) (ChatMessage, error) {
	if name == "" {
		return ChatMessage{}, fmt.Errorf("%w: file name", ErrEmptyMessage)
	}
	return c.send(ctx, ChatMessage{Kind: MessageFile, File: &FilePayload{Name: name, MIME: mime, Data: data}})
}

func (c *Chat) send(ctx context.Context, msg ChatMessage) (ChatMessage, error) {
	msg.Sender = c.sender
	msg.Timestamp = c.now().UnixMilli()

	raw, err := Encode(msg)
	if err != nil {
		return ChatMessage{}, err
	}
	if len(raw) > c.max {
		return ChatMessage{}, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(raw), c.max)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.stream == nil {
		stream, err := c.open(ctx)
		if err != nil {
			return ChatMessage{}, fmt.Errorf("open data stream: %w", err)
		}
		c.stream = stream
	}
	if err := c.stream.Send(ctx, raw); err != nil {
		return ChatMessage{}, fmt.Errorf("send chat message: %w", err)
	}

	c.insert(msg)
	return msg, nil
}

// Receive decodes a remote envelope and inserts it by timestamp.
func (c *Chat) Receive(from UID, data []byte) (ChatMessage, error) {
	msg, err := Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Str("uid", string(from)).Int("size", len(data)).Msg("dropped chat message")
		return ChatMessage{}, err
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = c.now().UnixMilli()
	}
	msg.From = from
	c.insert(msg)
	return msg, nil
}

func (c *Chat) insert(msg ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// after every message with an equal or earlier stamp
	i := sort.Search(len(c.messages), func(i int) bool { return c.messages[i].Timestamp > msg.Timestamp })
	c.messages = append(c.messages, ChatMessage{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = msg
}

// Messages returns a copy of the list in timestamp order.
func (c *Chat) Messages() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Close destroys the data stream if one was created. Messages are kept.
func (c *Chat) Close() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.stream == nil {
		return nil
	}
	err := c.stream.Close()
	c.stream = nil
	return err
}

func Encode(msg ChatMessage) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch msg.Kind {
	case MessageText:
		payload, err = sonic.Marshal(msg.Text)
	case MessageFile:
		if msg.File == nil {
			return nil, fmt.Errorf("%w: file message without file", ErrMalformedMessage)
		}
		payload, err = sonic.Marshal(msg.File)
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrMalformedMessage, msg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return sonic.Marshal(envelope{
		Sender:    msg.Sender,
		Kind:      msg.Kind,
		Payload:   payload,
		Timestamp: msg.Timestamp,
	})
}

func Decode(data []byte) (ChatMessage, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if len(env.Payload) == 0 {
		return ChatMessage{}, fmt.Errorf("%w: missing payload", ErrMalformedMessage)
	}
	msg := ChatMessage{Sender: env.Sender, Kind: env.Kind, Timestamp: env.Timestamp}
	switch env.Kind {
	case MessageText:
		if err := sonic.Unmarshal(env.Payload, &msg.Text); err != nil {
			return ChatMessage{}, fmt.Errorf("%w: text payload: %w", ErrMalformedMessage, err)
		}
	case MessageFile:
		var f FilePayload
		if err := sonic.Unmarshal(env.Payload, &f); err != nil {
			return ChatMessage{}, fmt.Errorf("%w: file payload: %w", ErrMalformedMessage, err)
		}
		if f.Name == "" {
			return ChatMessage{}, fmt.Errorf("%w: file without name", ErrMalformedMessage)
		}
		msg.File = &f
	default:
		return ChatMessage{}, fmt.Errorf("%w: kind %q", ErrMalformedMessage, env.Kind)
	}
	return msg, nil
}
