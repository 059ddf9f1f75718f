package core

import (
	"errors"
	"testing"

	"github.com/mentorhub/meet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignal struct {
	frames []Frame
	full   bool
}

func (f *fakeSignal) TrySend(fr Frame) error {
	if f.full {
		return errors.New("full")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {}

func newMember(t *testing.T, id string, sig SignalConnection) MemberSession {
	t.Helper()
	u, err := domain.NewUser(domain.UserID(id), id)
	require.NoError(t, err)
	return NewMemberSession(domain.NewMember(u)).UpdateSignal(sig)
}

func TestChannelBroadcastSkipsSenderAndReportsDropped(t *testing.T) {
	ch := NewChannelService(&domain.Channel{Name: "room1"})
	a, b, c := &fakeSignal{}, &fakeSignal{}, &fakeSignal{full: true}
	ch.AddMember("a", newMember(t, "a", a))
	ch.AddMember("b", newMember(t, "b", b))
	ch.AddMember("c", newMember(t, "c", c))

	res := ch.Broadcast("a", Frame("hi"))

	assert.Equal(t, 1, res.SendTo)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, domain.UserID("c"), res.Dropped[0].Meta().User.ID)
	assert.Empty(t, a.frames)
	assert.Equal(t, []Frame{Frame("hi")}, b.frames)
}

func TestChannelPublications(t *testing.T) {
	ch := NewChannelService(&domain.Channel{Name: "room1"})
	ch.AddMember("b", newMember(t, "b", &fakeSignal{}))
	ch.AddMember("a", newMember(t, "a", &fakeSignal{}))

	assert.True(t, ch.SetPublished("a", domain.MediaVideo, true))
	assert.False(t, ch.SetPublished("a", domain.MediaVideo, true), "no change on republish")
	assert.True(t, ch.SetPublished("b", domain.MediaAudio, true))
	assert.True(t, ch.SetPublished("a", domain.MediaAudio, true))
	assert.False(t, ch.SetPublished("zzz", domain.MediaAudio, true), "unknown member")

	assert.Equal(t, []Publication{
		{SID: "a", Kind: domain.MediaAudio},
		{SID: "a", Kind: domain.MediaVideo},
		{SID: "b", Kind: domain.MediaAudio},
	}, ch.Publications())

	assert.True(t, ch.SetPublished("a", domain.MediaVideo, false))
	members := ch.MembersSnapshot()
	require.Len(t, members, 2)
	assert.Equal(t, MemberDTO{ID: "a", Username: "a", Audio: true}, members[0])

	ch.RemoveMember("a")
	assert.False(t, ch.HasMember("a"))
	assert.Equal(t, 1, ch.MemberCount())
	assert.Equal(t, []Publication{{SID: "b", Kind: domain.MediaAudio}}, ch.Publications())
}
