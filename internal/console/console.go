// Package console is a line-oriented front end for a meeting session.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/mentorhub/meet/internal/meeting"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Meeting is the part of *meeting.Session the console drives.
type Meeting interface {
	Join(ctx context.Context, channelID, token string) error
	Leave(ctx context.Context) error
	ToggleAudio() (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
	SendText(ctx context.Context, text string) error
	SendFile(ctx context.Context, name, mime string, data []byte) error
	DismissBanner()
	View() meeting.View
	Subscribe(fn func(meeting.View)) (unsubscribe func())
}

var _ Meeting = (*meeting.Session)(nil)

type Options struct {
	In      io.Reader
	Out     io.Writer
	Channel string
	// NewMeeting builds a fresh session; called on start and on /reload.
	NewMeeting func() (Meeting, error)
	// Token returns the access token for Channel.
	Token       func(ctx context.Context) (string, error)
	JoinTimeout time.Duration
	// MaxFileSize rejects larger /file uploads before reading them. Zero
	// means meeting.DefaultMaxChatPayload.
	MaxFileSize int64
	Logger      *zerolog.Logger
}

type Console struct {
	opts Options
	log  zerolog.Logger

	outMu sync.Mutex
	last  meeting.View
	seen  int

	mu      sync.Mutex
	current Meeting
	unsub   func()
	joinWG  sync.WaitGroup
}

func New(opts Options) *Console {
	if opts.JoinTimeout == 0 {
		opts.JoinTimeout = 30 * time.Second
	}
	if opts.MaxFileSize == 0 {
		opts.MaxFileSize = meeting.DefaultMaxChatPayload
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Console{opts: opts, log: logger.With().Str("module", "console").Logger()}
}

const help = `commands:
  /mic            toggle microphone
  /cam            toggle camera
  /screen         toggle screen share
  /file <path>    send a file
  /status         print the session state
  /dismiss        hide the current notice
  /leave          leave the call
  /reload         rejoin with a new session
  /quit           leave and exit
anything else is sent as a chat message`

// Run joins the channel and processes input lines until /quit, EOF or ctx
// is done.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.opts.In)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := c.start(ctx); err != nil {
		return err
	}
	c.printf("joining %s, type /help for commands\n", c.opts.Channel)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				c.shutdown()
				return nil
			}
			if c.handle(ctx, strings.TrimSpace(line)) {
				c.shutdown()
				return nil
			}
		}
	}
}

func (c *Console) start(ctx context.Context) error {
	m, err := c.opts.NewMeeting()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	c.outMu.Lock()
	c.last, c.seen = meeting.View{}, 0
	c.outMu.Unlock()

	c.mu.Lock()
	c.current = m
	c.unsub = m.Subscribe(c.render)
	c.mu.Unlock()

	c.joinWG.Add(1)
	go func() {
		defer c.joinWG.Done()
		jctx, cancel := context.WithTimeout(ctx, c.opts.JoinTimeout)
		defer cancel()
		token, err := c.opts.Token(jctx)
		if err != nil {
			c.printf("! token: %v\n", err)
			return
		}
		if err := m.Join(jctx, c.opts.Channel, token); err != nil && !errors.Is(err, meeting.ErrCanceled) {
			c.printf("! join: %v\n", err)
		}
	}()
	return nil
}

func (c *Console) active() Meeting {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Console) stop(ctx context.Context) {
	c.mu.Lock()
	m, unsub := c.current, c.unsub
	c.mu.Unlock()
	if m == nil {
		return
	}
	if err := m.Leave(ctx); err != nil {
		c.printf("! leave: %v\n", err)
	}
	c.joinWG.Wait()
	if unsub != nil {
		unsub()
	}
}

func (c *Console) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.stop(ctx)
}

// handle runs one input line and reports whether the console should exit.
func (c *Console) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	m := c.active()
	cmd, arg, _ := strings.Cut(line, " ")
	var err error
	switch cmd {
	case "/help":
		c.printf("%s\n", help)
	case "/mic":
		var on bool
		if on, err = m.ToggleAudio(); err == nil {
			c.printf("microphone %s\n", onOff(on))
		}
	case "/cam":
		var on bool
		if on, err = m.ToggleVideo(ctx); err == nil {
			c.printf("camera %s\n", onOff(on))
		}
	case "/screen":
		var on bool
		if on, err = m.ToggleScreenShare(ctx); err == nil {
			c.printf("screen share %s\n", onOff(on))
		}
	case "/file":
		err = c.sendFile(ctx, m, strings.TrimSpace(arg))
	case "/status":
		err = c.status(m.View())
	case "/dismiss":
		m.DismissBanner()
	case "/leave":
		err = m.Leave(ctx)
	case "/reload":
		c.stop(ctx)
		err = c.start(ctx)
	case "/quit":
		return true
	default:
		if strings.HasPrefix(cmd, "/") {
			c.printf("unknown command %s, try /help\n", cmd)
			return false
		}
		err = m.SendText(ctx, line)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("cmd", cmd).Msg("command failed")
		c.printf("! %s (%s)\n", err, meeting.Code(err))
	}
	return false
}

func (c *Console) sendFile(ctx context.Context, m Meeting, path string) error {
	if path == "" {
		return errors.New("usage: /file <path>")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	if fi.Size() > c.opts.MaxFileSize {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", meeting.ErrPayloadTooLarge, fi.Name(), fi.Size(), c.opts.MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := filepath.Base(path)
	mt := mime.TypeByExtension(filepath.Ext(name))
	if mt == "" {
		mt = "application/octet-stream"
	}
	return m.SendFile(ctx, name, mt, data)
}

func (c *Console) status(v meeting.View) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	c.printf("%s", out)
	return nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.opts.Out, format, args...)
}
