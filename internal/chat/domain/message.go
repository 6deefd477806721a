package domain

import (
	"strings"
	"unicode/utf8"
)

// MessageKind definition message type
type MessageKind string

const (
	// MessageText plain text
	MessageText MessageKind = "text"
	// MessageImage image attachment
	MessageImage MessageKind = "image"
	// MessageFile file attachment
	MessageFile MessageKind = "file"
	// MessageSystem generated by the server
	MessageSystem MessageKind = "system"
)

// Valid report whether k can be sent by a user
func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

// Tombstone replaces the body of a soft-deleted message
const Tombstone = "This message was deleted."

// DefaultMaxBodyLength body limit in characters
const DefaultMaxBodyLength = 4000

// Attachment descriptor of an uploaded object
type Attachment struct {
	ObjectKey   string `bson:"object_key" json:"object_key"`
	FileName    string `bson:"file_name,omitempty" json:"file_name,omitempty"`
	ContentType string `bson:"content_type,omitempty" json:"content_type,omitempty"`
	Size        int64  `bson:"size,omitempty" json:"size,omitempty"`
	URL         string `bson:"-" json:"url,omitempty"`
}

// EditRecord a prior body kept in edit history
type EditRecord struct {
	Body       string `bson:"body" json:"body"`
	ReplacedAt int64  `bson:"replaced_at" json:"replaced_at"`
}

// Message 表示一則聊天訊息, 時間皆為 unix milliseconds
type Message struct {
	ID          string              `bson:"_id" json:"id"`
	ChannelID   string              `bson:"channel_id" json:"channel_id"`
	AuthorID    string              `bson:"author_id" json:"author_id"`
	AuthorName  string              `bson:"author_name,omitempty" json:"author_name,omitempty"`
	Body        string              `bson:"body" json:"body"`
	Kind        MessageKind         `bson:"kind" json:"kind"`
	CreatedAt   int64               `bson:"created_at" json:"created_at"`
	EditedAt    int64               `bson:"edited_at,omitempty" json:"edited_at,omitempty"`
	EditHistory []EditRecord        `bson:"edit_history,omitempty" json:"edit_history,omitempty"`
	Attachments []Attachment        `bson:"attachments,omitempty" json:"attachments,omitempty"`
	Mentions    []string            `bson:"mentions,omitempty" json:"mentions,omitempty"`
	Reactions   map[string][]string `bson:"reactions,omitempty" json:"reactions,omitempty"`
	ReplyTo     string              `bson:"reply_to,omitempty" json:"reply_to,omitempty"`
	Pinned      bool                `bson:"pinned" json:"pinned"`
	Deleted     bool                `bson:"deleted" json:"deleted"`
	DeletedAt   int64               `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
	DeletedBy   string              `bson:"deleted_by,omitempty" json:"deleted_by,omitempty"`
	ClientID    string              `bson:"client_id,omitempty" json:"client_id,omitempty"`
}

// Clone deep copy so callers never share slices or maps with a store
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.EditHistory = append([]EditRecord(nil), m.EditHistory...)
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	c.Mentions = append([]string(nil), m.Mentions...)
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = append([]string(nil), v...)
		}
	}
	return &c
}

// Redacted copy safe to hand to clients: a deleted message keeps only its tombstone
func (m *Message) Redacted() *Message {
	c := m.Clone()
	if c != nil && c.Deleted {
		c.Body = Tombstone
		c.EditHistory = nil
		c.Attachments = nil
		c.Mentions = nil
		c.Reactions = nil
	}
	return c
}

// ValidateBody check the body against maxLen (in runes)
func ValidateBody(body string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxBodyLength
	}
	if utf8.RuneCountInString(body) > maxLen {
		return ErrBodyTooLong
	}
	return nil
}

// ParseMentions collect @user-id tokens that match a channel member, in order, without duplicates
func ParseMentions(body string, members []string) []string {
	if !strings.Contains(body, "@") {
		return nil
	}
	known := make(map[string]struct{}, len(members))
	for _, m := range members {
		known[m] = struct{}{}
	}

	var out []string
	seen := map[string]struct{}{}
	for _, field := range strings.Fields(body) {
		if !strings.HasPrefix(field, "@") {
			continue
		}
		id := strings.TrimRight(strings.TrimPrefix(field, "@"), ".,!?:;)")
		if _, ok := known[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// MessagePatch partial update applied atomically by the store.
// IfBody, when set, is a precondition on the current body.
type MessagePatch struct {
	IfBody      *string
	IfNotDelete bool

	Body        *string
	EditedAt    int64
	PushHistory *EditRecord
	Mentions    *[]string

	Deleted   bool
	DeletedAt int64
	DeletedBy string

	Pinned         *bool
	ClearReactions bool

	AddReaction    *Reaction
	RemoveReaction *Reaction
}

// Reaction one user reacting with one emoji
type Reaction struct {
	Emoji  string
	UserID string
}

// HistoryPage result of a history query
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
