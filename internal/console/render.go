package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/mentorhub/meet/internal/meeting"
)

// render prints what changed since the previous view.
func (c *Console) render(v meeting.View) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	prev := c.last
	c.last = v
	w := c.opts.Out

	if v.State != prev.State {
		switch v.State {
		case meeting.StateJoined:
			fmt.Fprintf(w, "* joined %s as %s\n", v.Channel, v.UID)
		case meeting.StateLeft:
			fmt.Fprintln(w, "* left the call, /reload to join again")
		}
	}
	if v.FatalCode != "" && v.FatalCode != prev.FatalCode {
		fmt.Fprintf(w, "! %s: %v\n", v.FatalCode, v.Fatal)
	}
	if v.Banner != prev.Banner && v.Banner.Kind != meeting.BannerNone {
		fmt.Fprintln(w, bannerLine(v.Banner))
	}
	if len(v.Participants) != len(prev.Participants) {
		fmt.Fprintf(w, "* %d participant(s): %s\n", len(v.Participants), participantList(v.Participants))
	}
	if len(v.Messages) < c.seen {
		c.seen = 0
	}
	for _, m := range v.Messages[c.seen:] {
		fmt.Fprintln(w, messageLine(m))
	}
	c.seen = len(v.Messages)
}

func bannerLine(b meeting.Banner) string {
	var sb strings.Builder
	sb.WriteString("! ")
	sb.WriteString(b.Message)
	if b.Code != "" {
		fmt.Fprintf(&sb, " [%s]", b.Code)
	}
	if b.Action == meeting.ActionReload {
		sb.WriteString(" (type /reload)")
	}
	return sb.String()
}

func participantList(ps []meeting.ParticipantView) string {
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		flags := ""
		if p.Audio {
			flags += "a"
		}
		if p.Video {
			flags += "v"
		}
		if flags != "" {
			names = append(names, fmt.Sprintf("%s(%s)", p.UID, flags))
			continue
		}
		names = append(names, string(p.UID))
	}
	return strings.Join(names, ", ")
}

func messageLine(m meeting.ChatMessage) string {
	ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
	sender := m.Sender
	if m.From == "" {
		sender = "me"
	}
	if m.Kind == meeting.MessageFile && m.File != nil {
		return fmt.Sprintf("[%s] %s sent %s (%s, %d bytes)", ts, sender, m.File.Name, m.File.MIME, len(m.File.Data))
	}
	return fmt.Sprintf("[%s] %s: %s", ts, sender, m.Text)
}
