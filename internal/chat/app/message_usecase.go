package app

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"community_chat/internal/chat/domain"
	"community_chat/internal/chat/repository"
	"community_chat/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	maxEmojiLength      = 32
	maxAttachments      = 10
)

// EventLog downstream lifecycle event sink (Kafka)
type EventLog interface {
	Emit(ctx context.Context, ev domain.LifecycleEvent) error
}

// NotificationQueue offline notification job sink (RabbitMQ)
type NotificationQueue interface {
	Enqueue(ctx context.Context, job domain.NotificationJob) error
}

// AttachmentStore object storage for message attachments (MinIO)
type AttachmentStore interface {
	PresignUpload(ctx context.Context, channelID, fileName string) (string, string, error)
	Resolve(ctx context.Context, channelID string, a domain.Attachment) (domain.Attachment, error)
	Sign(ctx context.Context, a domain.Attachment) (domain.Attachment, error)
}

// SendInput send-message request after authentication
type SendInput struct {
	ChannelID  string
	AuthorID   string
	AuthorName string
	Body       string
	Kind       domain.MessageKind
	Metadata   domain.SendMetadata
}

// MessageUseCase message lifecycle: send, edit, soft delete, pin, react, history
type MessageUseCase struct {
	channels repository.ChannelRepository
	messages repository.MessageRepository
	limiter  *RateLimiter
	pub      EventPublisher

	typing      *TypingTracker
	events      EventLog
	attachments AttachmentStore
	notifier    *NotifyUseCase
	metrics     *Metrics
	maxBody     int
	now         func() time.Time
}

// MessageOption optional MessageUseCase collaborator
type MessageOption func(*MessageUseCase)

// WithTyping stop typing on send
func WithTyping(t *TypingTracker) MessageOption { return func(u *MessageUseCase) { u.typing = t } }

// WithEventLog emit lifecycle events
func WithEventLog(e EventLog) MessageOption { return func(u *MessageUseCase) { u.events = e } }

// WithAttachments verify and sign attachments
func WithAttachments(a AttachmentStore) MessageOption {
	return func(u *MessageUseCase) { u.attachments = a }
}

// WithNotifier dispatch offline notifications after send
func WithNotifier(n *NotifyUseCase) MessageOption { return func(u *MessageUseCase) { u.notifier = n } }

// WithMessageMetrics record lifecycle metrics
func WithMessageMetrics(m *Metrics) MessageOption { return func(u *MessageUseCase) { u.metrics = m } }

// WithMaxBodyLength body limit in characters
func WithMaxBodyLength(n int) MessageOption { return func(u *MessageUseCase) { u.maxBody = n } }

// WithMessageClock replace the time source, tests only
func WithMessageClock(now func() time.Time) MessageOption {
	return func(u *MessageUseCase) { u.now = now }
}

// NewMessageUseCase create MessageUseCase
func NewMessageUseCase(
	channels repository.ChannelRepository,
	messages repository.MessageRepository,
	limiter *RateLimiter,
	pub EventPublisher,
	opts ...MessageOption,
) *MessageUseCase {
	u := &MessageUseCase{
		channels: channels,
		messages: messages,
		limiter:  limiter,
		pub:      pub,
		maxBody:  domain.DefaultMaxBodyLength,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Send validate, rate limit, persist, then publish new-message.
// Nothing is published when persistence fails.
func (u *MessageUseCase) Send(ctx context.Context, in SendInput) (*domain.Message, error) {
	if in.AuthorID == "" {
		return nil, domain.ErrUnauthorized
	}
	if in.Kind == "" {
		in.Kind = domain.MessageText
	}
	if !in.Kind.Valid() {
		return nil, domain.Invalid("unknown message type")
	}

	ch, err := u.channels.FindByID(ctx, in.ChannelID)
	if err != nil {
		return nil, u.storeErr(err)
	}
	if !ch.IsMember(in.AuthorID) {
		return nil, domain.ErrNotAMember
	}
	if ch.Archived {
		return nil, domain.ErrChannelArchived
	}
	if err := domain.ValidateBody(in.Body, u.maxBody); err != nil {
		return nil, err
	}
	if err := validateContent(in); err != nil {
		return nil, err
	}

	attachments, err := u.resolveAttachments(ctx, ch.ID, in.Metadata.Attachments)
	if err != nil {
		return nil, err
	}
	if in.Metadata.ReplyTo != "" {
		parent, err := u.messages.FindByID(ctx, in.Metadata.ReplyTo)
		if err != nil {
			return nil, u.storeErr(err)
		}
		if parent.ChannelID != ch.ID {
			return nil, domain.Invalid("reply_to must be in the same channel")
		}
	}

	// 所有驗證通過後才扣額度
	d := u.limiter.CheckAndConsume(in.AuthorID)
	if !d.Allowed {
		u.metrics.denied(d.Reason)
		return nil, d.Err()
	}

	msg := &domain.Message{
		ID:          uuid.NewString(),
		ChannelID:   ch.ID,
		AuthorID:    in.AuthorID,
		AuthorName:  in.AuthorName,
		Body:        in.Body,
		Kind:        in.Kind,
		CreatedAt:   u.now().UnixMilli(),
		Attachments: attachments,
		Mentions:    domain.ParseMentions(in.Body, ch.MemberIDs()),
		ReplyTo:     in.Metadata.ReplyTo,
		ClientID:    in.Metadata.ClientID,
	}
	if err := u.messages.CreateMessage(ctx, msg); err != nil {
		u.limiter.Refund(in.AuthorID, d)
		return nil, u.storeErr(err)
	}
	if err := u.channels.TouchLastMessage(ctx, ch.ID, msg.CreatedAt); err != nil {
		logger.Log.Warn("touch last message failed", zap.String("channel", ch.ID), zap.Error(err))
	}
	u.metrics.op("send")

	if u.typing != nil {
		u.typing.StopTyping(ctx, ch.ID, in.AuthorID)
	}
	u.publish(ctx, domain.EventNewMessage, msg)
	u.emit(ctx, domain.LifecycleCreated, msg, in.AuthorID)
	if u.notifier != nil {
		u.notifier.DispatchOffline(ctx, ch, msg)
	}
	return msg, nil
}

func validateContent(in SendInput) error {
	switch in.Kind {
	case domain.MessageText:
		if strings.TrimSpace(in.Body) == "" {
			return domain.Invalid("message body is empty")
		}
		if len(in.Metadata.Attachments) > 0 {
			return domain.Invalid("text messages carry no attachments")
		}
	default:
		if len(in.Metadata.Attachments) == 0 {
			return domain.Invalid("attachment is required")
		}
	}
	if len(in.Metadata.Attachments) > maxAttachments {
		return domain.Invalid("too many attachments")
	}
	return nil
}

func (u *MessageUseCase) resolveAttachments(ctx context.Context, channelID string, in []domain.Attachment) ([]domain.Attachment, error) {
	if len(in) == 0 {
		return nil, nil
	}
	if u.attachments == nil {
		return nil, domain.Invalid("attachments are disabled")
	}
	out := make([]domain.Attachment, 0, len(in))
	for _, a := range in {
		resolved, err := u.attachments.Resolve(ctx, channelID, a)
		if err != nil {
			return nil, u.storeErr(err)
		}
		out = append(out, resolved)
	}
	return out, nil
}

// loadForChange message + channel, rejecting deleted messages and non members
func (u *MessageUseCase) loadForChange(ctx context.Context, messageID, actorID string) (*domain.Message, *domain.Channel, error) {
	msg, err := u.messages.FindByID(ctx, messageID)
	if err != nil {
		return nil, nil, u.storeErr(err)
	}
	ch, err := u.channels.FindByID(ctx, msg.ChannelID)
	if err != nil {
		return nil, nil, u.storeErr(err)
	}
	if !ch.IsMember(actorID) {
		return nil, nil, domain.ErrNotAMember
	}
	return msg, ch, nil
}

// Edit author only; the previous body is appended to edit history before overwrite.
// ifBody, when set, must equal the current body or the edit fails with conflict.
func (u *MessageUseCase) Edit(ctx context.Context, messageID, editorID, newBody string, ifBody *string) (*domain.Message, error) {
	msg, ch, err := u.loadForChange(ctx, messageID, editorID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, domain.ErrMessageDeleted
	}
	if msg.AuthorID != editorID {
		return nil, domain.ErrNotAuthor
	}
	if ch.Archived {
		return nil, domain.ErrChannelArchived
	}
	if err := domain.ValidateBody(newBody, u.maxBody); err != nil {
		return nil, err
	}
	if msg.Kind == domain.MessageText && strings.TrimSpace(newBody) == "" {
		return nil, domain.Invalid("message body is empty")
	}
	if ifBody != nil && *ifBody != msg.Body {
		return nil, domain.ErrConflict
	}
	if newBody == msg.Body {
		return u.sign(ctx, msg), nil
	}

	now := u.now().UnixMilli()
	prev := msg.Body
	mentions := domain.ParseMentions(newBody, ch.MemberIDs())
	updated, err := u.messages.UpdateMessage(ctx, messageID, domain.MessagePatch{
		IfBody:      &prev,
		IfNotDelete: true,
		Body:        &newBody,
		EditedAt:    now,
		PushHistory: &domain.EditRecord{Body: prev, ReplacedAt: now},
		Mentions:    &mentions,
	})
	if err != nil {
		return nil, u.storeErr(err)
	}
	u.metrics.op("edit")
	u.publish(ctx, domain.EventMessageEdited, updated)
	u.emit(ctx, domain.LifecycleEdited, updated, editorID)
	return u.sign(ctx, updated), nil
}

// SoftDelete author or channel admin/owner; the record is kept with a tombstone body,
// its pin and reactions are cleared. Deleting twice is a no-op.
func (u *MessageUseCase) SoftDelete(ctx context.Context, messageID, actorID string) (*domain.Message, error) {
	msg, ch, err := u.loadForChange(ctx, messageID, actorID)
	if err != nil {
		return nil, err
	}
	if msg.AuthorID != actorID && !ch.CanModerate(actorID) {
		return nil, domain.ErrNotAuthorized
	}
	if msg.Deleted {
		return msg.Redacted(), nil
	}

	tombstone := domain.Tombstone
	unpinned := false
	updated, err := u.messages.UpdateMessage(ctx, messageID, domain.MessagePatch{
		IfNotDelete:    true,
		Body:           &tombstone,
		Deleted:        true,
		DeletedAt:      u.now().UnixMilli(),
		DeletedBy:      actorID,
		Pinned:         &unpinned,
		ClearReactions: true,
	})
	if err != nil {
		if errors.Is(err, domain.ErrMessageDeleted) {
			return msg.Redacted(), nil
		}
		return nil, u.storeErr(err)
	}
	u.metrics.op("delete")

	removed, err := u.channels.RemovePinned(ctx, ch.ID, messageID)
	if err != nil {
		logger.Log.Warn("unpin on delete failed", zap.String("message", messageID), zap.Error(err))
	}
	u.publish(ctx, domain.EventMessageDeleted, updated)
	if removed {
		u.publish(ctx, domain.EventMessageUnpinned, updated)
	}
	u.emit(ctx, domain.LifecycleDeleted, updated, actorID)
	return updated.Redacted(), nil
}

// Pin admin/owner only; the channel pinned list is a set so concurrent pins publish once
func (u *MessageUseCase) Pin(ctx context.Context, messageID, actorID string) (*domain.Message, error) {
	msg, ch, err := u.loadForChange(ctx, messageID, actorID)
	if err != nil {
		return nil, err
	}
	if !ch.CanModerate(actorID) {
		return nil, domain.ErrNotAuthorized
	}
	if msg.Deleted {
		return nil, domain.ErrMessageDeleted
	}

	added, err := u.channels.AddPinned(ctx, ch.ID, messageID)
	if err != nil {
		return nil, u.storeErr(err)
	}
	pinned := true
	updated, err := u.messages.UpdateMessage(ctx, messageID, domain.MessagePatch{IfNotDelete: true, Pinned: &pinned})
	if err != nil {
		if added {
			// 訊息在此期間被刪除, 還原 pinned list
			if _, rerr := u.channels.RemovePinned(ctx, ch.ID, messageID); rerr != nil {
				logger.Log.Warn("rollback pin failed", zap.String("message", messageID), zap.Error(rerr))
			}
		}
		return nil, u.storeErr(err)
	}
	if added {
		u.metrics.op("pin")
		u.publish(ctx, domain.EventMessagePinned, updated)
		u.emit(ctx, domain.LifecyclePinned, updated, actorID)
	}
	return u.sign(ctx, updated), nil
}

// Unpin admin/owner only; idempotent
func (u *MessageUseCase) Unpin(ctx context.Context, messageID, actorID string) (*domain.Message, error) {
	_, ch, err := u.loadForChange(ctx, messageID, actorID)
	if err != nil {
		return nil, err
	}
	if !ch.CanModerate(actorID) {
		return nil, domain.ErrNotAuthorized
	}

	removed, err := u.channels.RemovePinned(ctx, ch.ID, messageID)
	if err != nil {
		return nil, u.storeErr(err)
	}
	pinned := false
	updated, err := u.messages.UpdateMessage(ctx, messageID, domain.MessagePatch{Pinned: &pinned})
	if err != nil {
		return nil, u.storeErr(err)
	}
	if removed {
		u.metrics.op("unpin")
		u.publish(ctx, domain.EventMessageUnpinned, updated)
		u.emit(ctx, domain.LifecycleUnpinned, updated, actorID)
	}
	return u.sign(ctx, updated), nil
}

// React toggle userID's emoji on a message; reports whether it was added
func (u *MessageUseCase) React(ctx context.Context, messageID, userID, emoji string) (*domain.Message, bool, error) {
	emoji = strings.TrimSpace(emoji)
	if err := validateEmoji(emoji); err != nil {
		return nil, false, err
	}
	msg, _, err := u.loadForChange(ctx, messageID, userID)
	if err != nil {
		return nil, false, err
	}
	if msg.Deleted {
		return nil, false, domain.ErrMessageDeleted
	}

	r := &domain.Reaction{Emoji: emoji, UserID: userID}
	patch := domain.MessagePatch{IfNotDelete: true}
	added := !containsUser(msg.Reactions[emoji], userID)
	if added {
		patch.AddReaction = r
	} else {
		patch.RemoveReaction = r
	}
	updated, err := u.messages.UpdateMessage(ctx, messageID, patch)
	if err != nil {
		return nil, false, u.storeErr(err)
	}
	u.metrics.op("react")

	ev := domain.NewEvent(domain.EventMessageReaction, updated.ChannelID, domain.ReactionPayload{
		MessageID: updated.ID,
		Emoji:     emoji,
		UserID:    userID,
		Added:     added,
		Reactions: updated.Reactions,
	})
	if err := u.pub.Publish(ctx, updated.ChannelID, ev); err != nil {
		logger.Log.Warn("publish reaction failed", zap.String("message", messageID), zap.Error(err))
	}
	u.emit(ctx, domain.LifecycleReacted, updated, userID)
	return u.sign(ctx, updated), added, nil
}

func validateEmoji(emoji string) error {
	if emoji == "" || len(emoji) > maxEmojiLength || strings.HasPrefix(emoji, "$") || strings.ContainsAny(emoji, ".\x00") {
		return domain.Invalid("invalid emoji")
	}
	for _, r := range emoji {
		if unicode.IsSpace(r) {
			return domain.Invalid("invalid emoji")
		}
	}
	return nil
}

func containsUser(users []string, userID string) bool {
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}

// History up to limit messages strictly before `before` (unix ms, 0 = now), oldest first.
// limit+1 rows are fetched so HasMore needs no count query.
func (u *MessageUseCase) History(ctx context.Context, channelID, userID string, before int64, limit int) (domain.HistoryPage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if err := u.requireMember(ctx, channelID, userID); err != nil {
		return domain.HistoryPage{}, err
	}

	rows, err := u.messages.ListMessages(ctx, channelID, limit+1, before)
	if err != nil {
		return domain.HistoryPage{}, u.storeErr(err)
	}
	page := domain.HistoryPage{HasMore: len(rows) > limit}
	if page.HasMore {
		rows = rows[:limit]
	}
	page.Messages = make([]domain.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, *u.sign(ctx, &rows[i]))
	}
	return page, nil
}

// Pinned pinned messages of a channel, oldest first
func (u *MessageUseCase) Pinned(ctx context.Context, channelID, userID string) ([]domain.Message, error) {
	if err := u.requireMember(ctx, channelID, userID); err != nil {
		return nil, err
	}
	rows, err := u.messages.ListPinned(ctx, channelID)
	if err != nil {
		return nil, u.storeErr(err)
	}
	out := make([]domain.Message, 0, len(rows))
	for i := range rows {
		out = append(out, *u.sign(ctx, &rows[i]))
	}
	return out, nil
}

// PresignUpload object key and upload URL for a member of channelID
func (u *MessageUseCase) PresignUpload(ctx context.Context, channelID, userID, fileName string) (string, string, error) {
	if u.attachments == nil {
		return "", "", domain.Invalid("attachments are disabled")
	}
	if strings.TrimSpace(fileName) == "" {
		return "", "", domain.Invalid("file_name is required")
	}
	if err := u.requireMember(ctx, channelID, userID); err != nil {
		return "", "", err
	}
	key, url, err := u.attachments.PresignUpload(ctx, channelID, fileName)
	if err != nil {
		return "", "", u.storeErr(err)
	}
	return key, url, nil
}

func (u *MessageUseCase) requireMember(ctx context.Context, channelID, userID string) error {
	ch, err := u.channels.FindByID(ctx, channelID)
	if err != nil {
		return u.storeErr(err)
	}
	if !ch.IsMember(userID) {
		return domain.ErrNotAMember
	}
	return nil
}

// sign redacted copy with fresh attachment URLs
func (u *MessageUseCase) sign(ctx context.Context, msg *domain.Message) *domain.Message {
	out := msg.Redacted()
	if u.attachments == nil {
		return out
	}
	for i, a := range out.Attachments {
		signed, err := u.attachments.Sign(ctx, a)
		if err != nil {
			logger.Log.Warn("sign attachment failed", zap.String("key", a.ObjectKey), zap.Error(err))
			continue
		}
		out.Attachments[i] = signed
	}
	return out
}

func (u *MessageUseCase) publish(ctx context.Context, name domain.EventName, msg *domain.Message) {
	ev := domain.NewEvent(name, msg.ChannelID, u.sign(ctx, msg))
	if err := u.pub.Publish(ctx, msg.ChannelID, ev); err != nil {
		logger.Log.Error("publish failed", zap.String("event", string(name)), zap.String("message", msg.ID), zap.Error(err))
	}
}

func (u *MessageUseCase) emit(ctx context.Context, kind domain.LifecycleKind, msg *domain.Message, actorID string) {
	emitLifecycle(ctx, u.events, domain.LifecycleEvent{
		Kind:      kind,
		ChannelID: msg.ChannelID,
		ActorID:   actorID,
		MessageID: msg.ID,
		Message:   msg.Redacted(),
		At:        u.now().UnixMilli(),
	})
}

func (u *MessageUseCase) storeErr(err error) error {
	ce := storeErr(err)
	if ce.Code == domain.CodeStoreUnavailable {
		u.metrics.storeError()
	}
	return ce
}

// storeErr keep domain errors, wrap and log everything else as store_unavailable
func storeErr(err error) *domain.ChatError {
	ce := domain.AsChatError(err)
	if ce.Code == domain.CodeStoreUnavailable && ce.Err != nil {
		logger.Log.Error("store call failed", zap.Error(ce.Err))
	}
	return ce
}

// emitLifecycle best effort; the event log never fails the operation
func emitLifecycle(ctx context.Context, log EventLog, ev domain.LifecycleEvent) {
	if log == nil {
		return
	}
	if err := log.Emit(ctx, ev); err != nil {
		logger.Log.Warn("emit lifecycle event failed", zap.String("kind", string(ev.Kind)), zap.String("channel", ev.ChannelID), zap.Error(err))
	}
}
