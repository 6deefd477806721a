package domain

import "fmt"

// Notification user-visible alert
type Notification struct {
	RecipientID string `json:"recipient_id"`
	ChannelID   string `json:"channel_id"`
	MessageID   string `json:"message_id"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Direct      bool   `json:"direct"`
}

// NotificationPreviewLength body preview cut in runes
const NotificationPreviewLength = 140

// ShouldNotify decide whether recipient gets an alert for msg.
// Never the author, never when muted, never when the surface is visible.
func ShouldNotify(ch *Channel, msg *Message, recipientID string, muted, visible bool) (Notification, bool) {
	if ch == nil || msg == nil || recipientID == "" {
		return Notification{}, false
	}
	if msg.AuthorID == recipientID || muted || visible || msg.Deleted {
		return Notification{}, false
	}
	if msg.Kind == MessageSystem {
		return Notification{}, false
	}

	n := Notification{
		RecipientID: recipientID,
		ChannelID:   ch.ID,
		MessageID:   msg.ID,
		Body:        preview(msg),
		Direct:      ch.Kind == ChannelDirect,
	}
	n.Title = NotificationTitle(ch, msg)
	return n, true
}

// NotificationTitle framing: "Message from X" for direct, "X in #channel" otherwise
func NotificationTitle(ch *Channel, msg *Message) string {
	author := msg.AuthorName
	if author == "" {
		author = msg.AuthorID
	}
	if ch.Kind == ChannelDirect {
		return "Message from " + author
	}
	name := ch.Slug
	if name == "" {
		name = ch.Name
	}
	return fmt.Sprintf("%s in #%s", author, name)
}

func preview(msg *Message) string {
	switch msg.Kind {
	case MessageImage:
		if msg.Body == "" {
			return "sent an image"
		}
	case MessageFile:
		if msg.Body == "" {
			return "sent a file"
		}
	}
	r := []rune(msg.Body)
	if len(r) > NotificationPreviewLength {
		return string(r[:NotificationPreviewLength-1]) + "…"
	}
	return msg.Body
}
