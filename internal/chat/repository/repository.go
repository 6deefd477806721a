package repository

import (
	"context"

	"community_chat/internal/chat/domain"
)

// ChannelRepository definition channel store; membership and pinned ids live on the channel document
type ChannelRepository interface {
	// CreateChannel insert a channel, domain.ErrSlugTaken on duplicate slug
	CreateChannel(ctx context.Context, ch *domain.Channel) error
	FindByID(ctx context.Context, channelID string) (*domain.Channel, error)
	FindBySlug(ctx context.Context, slug string) (*domain.Channel, error)
	// FindDirect find the direct channel between two users
	FindDirect(ctx context.Context, userA, userB string) (*domain.Channel, error)
	ListForUser(ctx context.Context, userID string) ([]domain.Channel, error)

	// AddMember append m when the user is not yet a member, reports whether it was added
	AddMember(ctx context.Context, channelID string, m domain.Membership) (bool, error)
	// RemoveMember pull a non-owner member, reports whether it was removed
	RemoveMember(ctx context.Context, channelID, userID string) (bool, error)
	// SetRole change role of a non-owner member to admin or member
	SetRole(ctx context.Context, channelID, userID string, role domain.MemberRole) error
	// TransferOwnership swap owner -> admin and target -> owner in one update
	TransferOwnership(ctx context.Context, channelID, fromUserID, toUserID string) error
	Archive(ctx context.Context, channelID string) error
	TouchLastMessage(ctx context.Context, channelID string, at int64) error

	// AddPinned set-add messageID, reports whether the list changed
	AddPinned(ctx context.Context, channelID, messageID string) (bool, error)
	// RemovePinned set-remove messageID, reports whether the list changed
	RemovePinned(ctx context.Context, channelID, messageID string) (bool, error)
}

// MessageRepository definition message store
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg *domain.Message) error
	FindByID(ctx context.Context, messageID string) (*domain.Message, error)
	// UpdateMessage apply patch atomically and return the updated message.
	// domain.ErrConflict when IfBody does not match, domain.ErrMessageDeleted when IfNotDelete fails.
	UpdateMessage(ctx context.Context, messageID string, patch domain.MessagePatch) (*domain.Message, error)
	// ListMessages newest first, created_at < before (before <= 0 means now)
	ListMessages(ctx context.Context, channelID string, limit int, before int64) ([]domain.Message, error)
	ListPinned(ctx context.Context, channelID string) ([]domain.Message, error)
}

// MuteRepository definition per user channel mute preference
type MuteRepository interface {
	SetMuted(ctx context.Context, userID, channelID string, muted bool) error
	IsMuted(ctx context.Context, userID, channelID string) (bool, error)
	ListMuted(ctx context.Context, userID string) ([]string, error)
}
