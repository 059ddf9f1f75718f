package app

import (
	"slices"
	"strings"
	"sync"

	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/domain"
)

type ChannelManagerImpl struct {
	mu       sync.RWMutex
	channels map[domain.ChannelName]core.ChannelService
}

func NewChannelManager() core.ChannelManager {
	return &ChannelManagerImpl{channels: make(map[domain.ChannelName]core.ChannelService)}
}

func (f *ChannelManagerImpl) GetOrCreate(name domain.ChannelName) core.ChannelService {
	f.mu.RLock()
	ch, ok := f.channels[name]
	f.mu.RUnlock()
	if ok {
		return ch
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok = f.channels[name]; ok {
		return ch
	}
	ch = core.NewChannelService(&domain.Channel{Name: name})
	f.channels[name] = ch
	return ch
}

func (f *ChannelManagerImpl) GetChannel(name domain.ChannelName) (core.ChannelService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ch, ok := f.channels[name]
	return ch, ok
}

func (f *ChannelManagerImpl) Enter(name domain.ChannelName, sid core.SessionID, ms core.MemberSession) core.ChannelService {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[name]
	if !ok {
		ch = core.NewChannelService(&domain.Channel{Name: name})
		f.channels[name] = ch
	}
	ch.AddMember(sid, ms)
	return ch
}

func (f *ChannelManagerImpl) List() []core.ChannelInfo {
	f.mu.RLock()
	out := make([]core.ChannelInfo, 0, len(f.channels))
	for name, ch := range f.channels {
		out = append(out, core.ChannelInfo{Name: name, MemberCount: ch.MemberCount()})
	}
	f.mu.RUnlock()
	slices.SortFunc(out, func(a, b core.ChannelInfo) int { return strings.Compare(string(a.Name), string(b.Name)) })
	return out
}

func (f *ChannelManagerImpl) StopChannel(name domain.ChannelName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, name)
}

func (f *ChannelManagerImpl) StopIfEmpty(name domain.ChannelName) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[name]
	if !ok || ch.MemberCount() > 0 {
		return false
	}
	delete(f.channels, name)
	return true
}
