package domain

import "encoding/json"

// Action websocket request action (client -> server)
type Action string

const (
	// JoinChannel websocket action join-channel
	JoinChannel Action = "join-channel"
	// LeaveChannel websocket action leave-channel
	LeaveChannel Action = "leave-channel"
	// SendMessage websocket action send-message
	SendMessage Action = "send-message"
	// TypingStart websocket action typing-start
	TypingStart Action = "typing-start"
	// TypingStop websocket action typing-stop
	TypingStop Action = "typing-stop"

	// EditMessage websocket action edit-message
	EditMessage Action = "edit-message"
	// DeleteMessage websocket action delete-message
	DeleteMessage Action = "delete-message"
	// PinMessage websocket action pin-message
	PinMessage Action = "pin-message"
	// UnpinMessage websocket action unpin-message
	UnpinMessage Action = "unpin-message"
	// ReactMessage websocket action react-message
	ReactMessage Action = "react-message"
)

// EventName server -> client event
type EventName string

const (
	EventNewMessage        EventName = "new-message"
	EventUserTyping        EventName = "user-typing"
	EventUserStoppedTyping EventName = "user-stopped-typing"
	EventUserJoined        EventName = "user-joined"
	EventUserLeft          EventName = "user-left"
	EventError             EventName = "error"

	EventAck             EventName = "ack"
	EventMessageEdited   EventName = "message-edited"
	EventMessageDeleted  EventName = "message-deleted"
	EventMessagePinned   EventName = "message-pinned"
	EventMessageUnpinned EventName = "message-unpinned"
	EventMessageReaction EventName = "message-reaction"

	// EventMemberEvicted node to node only, Deliver consumes it and never forwards it to clients
	EventMemberEvicted EventName = "member-evicted"
)

// SendMetadata optional fields of send-message
type SendMetadata struct {
	ClientID    string       `json:"client_id,omitempty"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// WSRequest websocket Request
type WSRequest struct {
	Action    Action       `json:"action"`
	RequestID string       `json:"request_id,omitempty"`
	ChannelID string       `json:"channel_id,omitempty"`
	MessageID string       `json:"message_id,omitempty"`
	Content   string       `json:"content,omitempty"`
	Type      MessageKind  `json:"type,omitempty"`
	Metadata  SendMetadata `json:"metadata,omitempty"`
	Emoji     string       `json:"emoji,omitempty"`
	IfBody    *string      `json:"if_body,omitempty"`
}

// Event websocket server event envelope
type Event struct {
	Name      EventName       `json:"event"`
	ChannelID string          `json:"channel_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshal payload into an event; payloads here are plain structs so marshal never fails
func NewEvent(name EventName, channelID string, payload interface{}) Event {
	ev := Event{Name: name, ChannelID: channelID}
	if payload != nil {
		b, _ := json.Marshal(payload)
		ev.Data = b
	}
	return ev
}

// Decode unmarshal Data into v
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// ErrorPayload data of an error event
type ErrorPayload struct {
	Code       ErrorCode  `json:"code"`
	Message    string     `json:"message"`
	Reason     DenyReason `json:"reason,omitempty"`
	RetryAfter int64      `json:"retry_after_ms,omitempty"`
	Action     Action     `json:"action,omitempty"`
	ClientID   string     `json:"client_id,omitempty"`
}

// NewErrorEvent build the error event sent to the originating connection only
func NewErrorEvent(err error, req WSRequest) Event {
	ce := AsChatError(err)
	ev := NewEvent(EventError, req.ChannelID, ErrorPayload{
		Code:       ce.Code,
		Message:    ce.Message,
		Reason:     ce.Reason,
		RetryAfter: ce.RetryAfter.Milliseconds(),
		Action:     req.Action,
		ClientID:   req.Metadata.ClientID,
	})
	ev.RequestID = req.RequestID
	return ev
}

// AckPayload data of an ack event
type AckPayload struct {
	Action    Action   `json:"action"`
	ChannelID string   `json:"channel_id,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Message   *Message `json:"message,omitempty"`
}

// TypingPayload data of user-typing / user-stopped-typing
type TypingPayload struct {
	ChannelID string   `json:"channel_id"`
	UserID    string   `json:"user_id"`
	UserName  string   `json:"user_name,omitempty"`
	Typing    []string `json:"typing"`
}

// PresencePayload data of user-joined / user-left
type PresencePayload struct {
	ChannelID    string `json:"channel_id"`
	UserID       string `json:"user_id"`
	UserName     string `json:"user_name,omitempty"`
	ConnectionID string `json:"connection_id"`
}

// ReactionPayload data of message-reaction
type ReactionPayload struct {
	MessageID string              `json:"message_id"`
	Emoji     string              `json:"emoji"`
	UserID    string              `json:"user_id"`
	Added     bool                `json:"added"`
	Reactions map[string][]string `json:"reactions"`
}
