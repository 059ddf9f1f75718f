package core

import (
	"slices"
	"strings"
	"sync"

	"github.com/mentorhub/meet/internal/domain"
	"github.com/rs/zerolog/log"
)

// channelImpl is a threadsafe in-memory channel.
// It never closes adapter-owned resources.
type channelImpl struct {
	channel *domain.Channel
	mu      sync.RWMutex
	bySID   map[SessionID]MemberSession
}

func NewChannelService(ch *domain.Channel) ChannelService {
	return &channelImpl{
		channel: ch,
		bySID:   make(map[SessionID]MemberSession),
	}
}

func (c *channelImpl) Channel() *domain.Channel { return c.channel }

func (c *channelImpl) MemberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySID)
}

func (c *channelImpl) AddMember(sid SessionID, ms MemberSession) {
	u := ms.Meta().User.ID
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bySID[sid] = ms
	log.Info().Str("module", "core.channel").Str("channel", string(c.channel.Name)).Str("sid", string(sid)).Str("user", string(u)).Msg("member added")
}

func (c *channelImpl) RemoveMember(sid SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms, ok := c.bySID[sid]; ok {
		clear(ms.Meta().Published)
	}
	delete(c.bySID, sid)
	log.Info().Str("module", "core.channel").Str("channel", string(c.channel.Name)).Str("sid", string(sid)).Msg("member removed")
}

func (c *channelImpl) HasMember(sid SessionID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.bySID[sid]
	return ok
}

func (c *channelImpl) SetPublished(sid SessionID, kind domain.MediaKind, on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms, ok := c.bySID[sid]
	if !ok {
		return false
	}
	pub := ms.Meta().Published
	if pub[kind] == on {
		return false
	}
	if on {
		pub[kind] = true
	} else {
		delete(pub, kind)
	}
	return true
}

func (c *channelImpl) Publications() []Publication {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Publication, 0, len(c.bySID))
	for sid, ms := range c.bySID {
		for kind := range ms.Meta().Published {
			out = append(out, Publication{SID: sid, Kind: kind})
		}
	}
	slices.SortFunc(out, func(a, b Publication) int {
		if n := strings.Compare(string(a.SID), string(b.SID)); n != 0 {
			return n
		}
		return strings.Compare(string(a.Kind), string(b.Kind))
	})
	return out
}

func (c *channelImpl) Broadcast(from SessionID, data Frame) PublishResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range c.bySID {
		if sid == from {
			continue
		}
		sig := m.Signal()
		if sig == nil {
			continue
		}
		if err := sig.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.channel").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (c *channelImpl) MembersSnapshot() []MemberDTO {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MemberDTO, 0, len(c.bySID))
	for _, ms := range c.bySID {
		meta := ms.Meta()
		out = append(out, MemberDTO{
			ID:       meta.User.ID,
			Username: meta.User.Username,
			Audio:    meta.Published[domain.MediaAudio],
			Video:    meta.Published[domain.MediaVideo],
		})
	}
	slices.SortFunc(out, func(a, b MemberDTO) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}
