package domain

// ChannelKind definition channel type
type ChannelKind string

const (
	// ChannelPublic anyone can join
	ChannelPublic ChannelKind = "public"
	// ChannelPrivate members are added by admins
	ChannelPrivate ChannelKind = "private"
	// ChannelDirect exactly two members
	ChannelDirect ChannelKind = "direct"
)

// Valid report whether k is a known kind
func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelPublic, ChannelPrivate, ChannelDirect:
		return true
	}
	return false
}

// MemberRole definition member role in a channel
type MemberRole string

const (
	// RoleOwner unique per channel, only changed by transfer
	RoleOwner MemberRole = "owner"
	// RoleAdmin can pin and moderate
	RoleAdmin MemberRole = "admin"
	// RoleMember plain member
	RoleMember MemberRole = "member"
)

// Membership binds a user to a channel with a role
type Membership struct {
	UserID   string     `bson:"user_id" json:"user_id"`
	Role     MemberRole `bson:"role" json:"role"`
	JoinedAt int64      `bson:"joined_at" json:"joined_at"`
}

// Channel definition chat channel; members and pinned ids are embedded
type Channel struct {
	ID               string       `bson:"_id" json:"id"`
	Name             string       `bson:"name,omitempty" json:"name,omitempty"`
	Slug             string       `bson:"slug" json:"slug"`
	Kind             ChannelKind  `bson:"kind" json:"kind"`
	Members          []Membership `bson:"members" json:"members"`
	Archived         bool         `bson:"archived" json:"archived"`
	LastMessageAt    int64        `bson:"last_message_at,omitempty" json:"last_message_at,omitempty"`
	PinnedMessageIDs []string     `bson:"pinned_message_ids" json:"pinned_message_ids"`
	CreatedBy        string       `bson:"created_by" json:"created_by"`
	CreatedAt        int64        `bson:"created_at" json:"created_at"`
}

// Member find membership of userID
func (c *Channel) Member(userID string) (Membership, bool) {
	for _, m := range c.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Membership{}, false
}

// IsMember report whether userID belongs to the channel
func (c *Channel) IsMember(userID string) bool {
	_, ok := c.Member(userID)
	return ok
}

// CanModerate owner or admin
func (c *Channel) CanModerate(userID string) bool {
	m, ok := c.Member(userID)
	return ok && (m.Role == RoleOwner || m.Role == RoleAdmin)
}

// Owner return owner user id, empty for direct channels
func (c *Channel) Owner() string {
	for _, m := range c.Members {
		if m.Role == RoleOwner {
			return m.UserID
		}
	}
	return ""
}

// MemberIDs list of user ids in join order
func (c *Channel) MemberIDs() []string {
	ids := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// Peer return the other participant of a direct channel
func (c *Channel) Peer(userID string) string {
	if c.Kind != ChannelDirect {
		return ""
	}
	for _, m := range c.Members {
		if m.UserID != userID {
			return m.UserID
		}
	}
	return ""
}

// IsPinned report whether messageID is in the pinned list
func (c *Channel) IsPinned(messageID string) bool {
	for _, id := range c.PinnedMessageIDs {
		if id == messageID {
			return true
		}
	}
	return false
}

// DirectLabel synthesised label of a direct channel, stable for both sides
func DirectLabel(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return "dm:" + userA + ":" + userB
}

// Mute per user per channel notification preference
type Mute struct {
	UserID    string `bson:"user_id" json:"user_id"`
	ChannelID string `bson:"channel_id" json:"channel_id"`
	MutedAt   int64  `bson:"muted_at" json:"muted_at"`
}
