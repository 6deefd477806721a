package domain

// LifecycleKind kind of a persisted message transition
type LifecycleKind string

const (
	LifecycleCreated    LifecycleKind = "message.created"
	LifecycleEdited     LifecycleKind = "message.edited"
	LifecycleDeleted    LifecycleKind = "message.deleted"
	LifecyclePinned     LifecycleKind = "message.pinned"
	LifecycleUnpinned   LifecycleKind = "message.unpinned"
	LifecycleReacted    LifecycleKind = "message.reacted"
	LifecycleArchived   LifecycleKind = "channel.archived"
	LifecycleMembership LifecycleKind = "channel.membership"
)

// LifecycleEvent record written to the event log, keyed by channel id
type LifecycleEvent struct {
	Kind      LifecycleKind `json:"kind"`
	ChannelID string        `json:"channel_id"`
	ActorID   string        `json:"actor_id"`
	MessageID string        `json:"message_id,omitempty"`
	Message   *Message      `json:"message,omitempty"`
	At        int64         `json:"at"`
}

// NotificationJob offline alert handed to the external push service
type NotificationJob struct {
	Notification
	EnqueuedAt int64 `json:"enqueued_at"`
}
