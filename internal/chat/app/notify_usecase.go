package app

import (
	"context"

	"community_chat/internal/chat/domain"
	"community_chat/internal/chat/repository"
	"community_chat/pkg/logger"

	"go.uber.org/zap"
)

// OnlineChecker answers whether a user holds a live connection anywhere
type OnlineChecker interface {
	IsOnline(ctx context.Context, userID string) bool
}

// NotifyUseCase mute preferences and the notification gate
type NotifyUseCase struct {
	channels repository.ChannelRepository
	mutes    repository.MuteRepository
	online   OnlineChecker
	queue    NotificationQueue
	metrics  *Metrics
}

// NewNotifyUseCase create NotifyUseCase; online and queue may be nil
func NewNotifyUseCase(channels repository.ChannelRepository, mutes repository.MuteRepository, online OnlineChecker, queue NotificationQueue, metrics *Metrics) *NotifyUseCase {
	return &NotifyUseCase{
		channels: channels,
		mutes:    mutes,
		online:   online,
		queue:    queue,
		metrics:  metrics,
	}
}

// ShouldNotify gate for one recipient; visible is the recipient's local foreground signal
func (u *NotifyUseCase) ShouldNotify(ctx context.Context, ch *domain.Channel, msg *domain.Message, recipientID string, visible bool) (domain.Notification, bool, error) {
	if msg.AuthorID == recipientID || visible {
		return domain.Notification{}, false, nil
	}
	muted, err := u.mutes.IsMuted(ctx, recipientID, ch.ID)
	if err != nil {
		return domain.Notification{}, false, storeErr(err)
	}
	n, ok := domain.ShouldNotify(ch, msg, recipientID, muted, visible)
	return n, ok, nil
}

// DispatchOffline enqueue a job for every member without a live connection that passes the gate.
// Online members decide locally from the delivered event.
func (u *NotifyUseCase) DispatchOffline(ctx context.Context, ch *domain.Channel, msg *domain.Message) int {
	if u.queue == nil {
		return 0
	}
	sent := 0
	for _, recipient := range ch.MemberIDs() {
		if recipient == msg.AuthorID {
			continue
		}
		if u.online != nil && u.online.IsOnline(ctx, recipient) {
			continue
		}
		n, ok, err := u.ShouldNotify(ctx, ch, msg, recipient, false)
		if err != nil {
			logger.Log.Warn("notification gate failed", zap.String("recipient", recipient), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := u.queue.Enqueue(ctx, domain.NotificationJob{Notification: n}); err != nil {
			logger.Log.Warn("enqueue notification failed", zap.String("recipient", recipient), zap.String("message", msg.ID), zap.Error(err))
			continue
		}
		u.metrics.notified()
		sent++
	}
	return sent
}

// SetMuted persist a member's mute preference for channelID
func (u *NotifyUseCase) SetMuted(ctx context.Context, userID, channelID string, muted bool) error {
	ch, err := u.channels.FindByID(ctx, channelID)
	if err != nil {
		return storeErr(err)
	}
	if !ch.IsMember(userID) {
		return domain.ErrNotAMember
	}
	if err := u.mutes.SetMuted(ctx, userID, channelID, muted); err != nil {
		return storeErr(err)
	}
	return nil
}

// IsMuted report userID's preference for channelID
func (u *NotifyUseCase) IsMuted(ctx context.Context, userID, channelID string) (bool, error) {
	muted, err := u.mutes.IsMuted(ctx, userID, channelID)
	if err != nil {
		return false, storeErr(err)
	}
	return muted, nil
}

// ListMuted channel ids muted by userID
func (u *NotifyUseCase) ListMuted(ctx context.Context, userID string) ([]string, error) {
	ids, err := u.mutes.ListMuted(ctx, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	return ids, nil
}
