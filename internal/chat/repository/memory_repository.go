package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"community_chat/internal/chat/domain"
	"community_chat/pkg"
)

// memoryChannelRepository in-process ChannelRepository (storage.driver: memory, tests)
type memoryChannelRepository struct {
	mu       sync.RWMutex
	channels map[string]*domain.Channel
	slugs    map[string]string
}

// NewMemoryChannelRepository create an in-memory ChannelRepository
func NewMemoryChannelRepository() ChannelRepository {
	return &memoryChannelRepository{
		channels: map[string]*domain.Channel{},
		slugs:    map[string]string{},
	}
}

func cloneChannel(ch *domain.Channel) *domain.Channel {
	c := *ch
	c.Members = append([]domain.Membership(nil), ch.Members...)
	c.PinnedMessageIDs = append([]string{}, ch.PinnedMessageIDs...)
	return &c
}

func (r *memoryChannelRepository) CreateChannel(_ context.Context, ch *domain.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slugs[ch.Slug]; ok {
		return domain.ErrSlugTaken
	}
	r.channels[ch.ID] = cloneChannel(ch)
	r.slugs[ch.Slug] = ch.ID
	return nil
}

func (r *memoryChannelRepository) FindByID(_ context.Context, channelID string) (*domain.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return nil, domain.ErrChannelNotFound
	}
	return cloneChannel(ch), nil
}

func (r *memoryChannelRepository) FindBySlug(ctx context.Context, slug string) (*domain.Channel, error) {
	r.mu.RLock()
	id, ok := r.slugs[slug]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrChannelNotFound
	}
	return r.FindByID(ctx, id)
}

func (r *memoryChannelRepository) FindDirect(ctx context.Context, userA, userB string) (*domain.Channel, error) {
	ch, err := r.FindBySlug(ctx, domain.DirectLabel(userA, userB))
	if err != nil {
		return nil, err
	}
	if ch.Kind != domain.ChannelDirect {
		return nil, domain.ErrChannelNotFound
	}
	return ch, nil
}

func (r *memoryChannelRepository) ListForUser(_ context.Context, userID string) ([]domain.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []domain.Channel{}
	for _, ch := range r.channels {
		if ch.IsMember(userID) {
			out = append(out, *cloneChannel(ch))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt != out[j].LastMessageAt {
			return out[i].LastMessageAt > out[j].LastMessageAt
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out, nil
}

func (r *memoryChannelRepository) withChannel(channelID string, fn func(ch *domain.Channel) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return domain.ErrChannelNotFound
	}
	return fn(ch)
}

func (r *memoryChannelRepository) AddMember(_ context.Context, channelID string, m domain.Membership) (bool, error) {
	added := false
	err := r.withChannel(channelID, func(ch *domain.Channel) error {
		if ch.IsMember(m.UserID) {
			return nil
		}
		ch.Members = append(ch.Members, m)
		added = true
		return nil
	})
	return added, err
}

func (r *memoryChannelRepository) RemoveMember(_ context.Context, channelID, userID string) (bool, error) {
	removed := false
	err := r.withChannel(channelID, func(ch *domain.Channel) error {
		for i, m := range ch.Members {
			if m.UserID == userID && m.Role != domain.RoleOwner {
				ch.Members = append(ch.Members[:i], ch.Members[i+1:]...)
				removed = true
				return nil
			}
		}
		return nil
	})
	return removed, err
}

func (r *memoryChannelRepository) SetRole(_ context.Context, channelID, userID string, role domain.MemberRole) error {
	return r.withChannel(channelID, func(ch *domain.Channel) error {
		for i, m := range ch.Members {
			if m.UserID == userID && m.Role != domain.RoleOwner {
				ch.Members[i].Role = role
				return nil
			}
		}
		return domain.ErrNotAMember
	})
}

func (r *memoryChannelRepository) TransferOwnership(_ context.Context, channelID, fromUserID, toUserID string) error {
	return r.withChannel(channelID, func(ch *domain.Channel) error {
		from, to := -1, -1
		for i, m := range ch.Members {
			switch {
			case m.UserID == fromUserID && m.Role == domain.RoleOwner:
				from = i
			case m.UserID == toUserID:
				to = i
			}
		}
		if from < 0 || to < 0 {
			return domain.ErrConflict
		}
		ch.Members[from].Role = domain.RoleAdmin
		ch.Members[to].Role = domain.RoleOwner
		return nil
	})
}

func (r *memoryChannelRepository) Archive(_ context.Context, channelID string) error {
	return r.withChannel(channelID, func(ch *domain.Channel) error {
		ch.Archived = true
		return nil
	})
}

func (r *memoryChannelRepository) TouchLastMessage(_ context.Context, channelID string, at int64) error {
	return r.withChannel(channelID, func(ch *domain.Channel) error {
		if at > ch.LastMessageAt {
			ch.LastMessageAt = at
		}
		return nil
	})
}

func (r *memoryChannelRepository) AddPinned(_ context.Context, channelID, messageID string) (bool, error) {
	added := false
	err := r.withChannel(channelID, func(ch *domain.Channel) error {
		before := len(ch.PinnedMessageIDs)
		ch.PinnedMessageIDs = pkg.AppendIfNotExists(ch.PinnedMessageIDs, messageID)
		added = len(ch.PinnedMessageIDs) > before
		return nil
	})
	return added, err
}

func (r *memoryChannelRepository) RemovePinned(_ context.Context, channelID, messageID string) (bool, error) {
	removed := false
	err := r.withChannel(channelID, func(ch *domain.Channel) error {
		if !pkg.Contains(ch.PinnedMessageIDs, messageID) {
			return nil
		}
		ch.PinnedMessageIDs = pkg.Remove(ch.PinnedMessageIDs, messageID)
		removed = true
		return nil
	})
	return removed, err
}

// memoryMessageRepository in-process MessageRepository
type memoryMessageRepository struct {
	mu       sync.RWMutex
	messages map[string]*domain.Message
	// 依 channel 保存插入順序
	byChannel map[string][]string
}

// NewMemoryMessageRepository create an in-memory MessageRepository
func NewMemoryMessageRepository() MessageRepository {
	return &memoryMessageRepository{
		messages:  map[string]*domain.Message{},
		byChannel: map[string][]string{},
	}
}

func (r *memoryMessageRepository) CreateMessage(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.ID] = msg.Clone()
	r.byChannel[msg.ChannelID] = append(r.byChannel[msg.ChannelID], msg.ID)
	return nil
}

func (r *memoryMessageRepository) FindByID(_ context.Context, messageID string) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg, ok := r.messages[messageID]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return msg.Clone(), nil
}

func (r *memoryMessageRepository) UpdateMessage(_ context.Context, messageID string, p domain.MessagePatch) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[messageID]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	if p.IfNotDelete && msg.Deleted {
		return nil, domain.ErrMessageDeleted
	}
	if p.IfBody != nil && *p.IfBody != msg.Body {
		return nil, domain.ErrConflict
	}

	if p.PushHistory != nil {
		msg.EditHistory = append(msg.EditHistory, *p.PushHistory)
	}
	if p.Body != nil {
		msg.Body = *p.Body
	}
	if p.EditedAt != 0 {
		msg.EditedAt = p.EditedAt
	}
	if p.Mentions != nil {
		msg.Mentions = append([]string(nil), (*p.Mentions)...)
	}
	if p.Deleted {
		msg.Deleted = true
		msg.DeletedAt = p.DeletedAt
		msg.DeletedBy = p.DeletedBy
	}
	if p.Pinned != nil {
		msg.Pinned = *p.Pinned
	}
	if p.ClearReactions {
		msg.Reactions = nil
	}
	if p.AddReaction != nil {
		if msg.Reactions == nil {
			msg.Reactions = map[string][]string{}
		}
		msg.Reactions[p.AddReaction.Emoji] = pkg.AppendIfNotExists(msg.Reactions[p.AddReaction.Emoji], p.AddReaction.UserID)
	}
	if p.RemoveReaction != nil && msg.Reactions != nil {
		users := pkg.Remove(msg.Reactions[p.RemoveReaction.Emoji], p.RemoveReaction.UserID)
		if len(users) == 0 {
			delete(msg.Reactions, p.RemoveReaction.Emoji)
		} else {
			msg.Reactions[p.RemoveReaction.Emoji] = users
		}
	}
	return msg.Clone(), nil
}

func (r *memoryMessageRepository) ListMessages(_ context.Context, channelID string, limit int, before int64) ([]domain.Message, error) {
	if before <= 0 {
		before = time.Now().UnixMilli() + 1
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byChannel[channelID]
	msgs := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		if m := r.messages[id]; m.CreatedAt < before {
			msgs = append(msgs, *m.Clone())
		}
	}
	// 同時間戳依插入順序, 反轉後 newest first
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt < msgs[j].CreatedAt })
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (r *memoryMessageRepository) ListPinned(_ context.Context, channelID string) ([]domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []domain.Message{}
	for _, id := range r.byChannel[channelID] {
		if m := r.messages[id]; m.Pinned {
			out = append(out, *m.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// memoryMuteRepository in-process MuteRepository
type memoryMuteRepository struct {
	mu    sync.RWMutex
	mutes map[string]map[string]int64
}

// NewMemoryMuteRepository create an in-memory MuteRepository
func NewMemoryMuteRepository() MuteRepository {
	return &memoryMuteRepository{mutes: map[string]map[string]int64{}}
}

func (r *memoryMuteRepository) SetMuted(_ context.Context, userID, channelID string, muted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !muted {
		delete(r.mutes[userID], channelID)
		return nil
	}
	if r.mutes[userID] == nil {
		r.mutes[userID] = map[string]int64{}
	}
	if _, ok := r.mutes[userID][channelID]; !ok {
		r.mutes[userID][channelID] = time.Now().UnixMilli()
	}
	return nil
}

func (r *memoryMuteRepository) IsMuted(_ context.Context, userID, channelID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.mutes[userID][channelID]
	return ok, nil
}

func (r *memoryMuteRepository) ListMuted(_ context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.mutes[userID]))
	for id := range r.mutes[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
