package domain

// Member represents user's participation meta for a channel.
// No transport or lifecycle logic here.
type Member struct {
	User      *User
	Published map[MediaKind]bool
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user *User) *Member {
	return &Member{User: user, Published: make(map[MediaKind]bool)}
}
