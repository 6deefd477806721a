package app

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"community_chat/internal/chat/domain"
	"community_chat/internal/chat/repository"
	"community_chat/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxChannelNameLength = 80
	maxSlugAttempts      = 20
)

// Evictor forced unsubscribe after membership removal, implemented by Gateway
type Evictor interface {
	Evict(ctx context.Context, channelID, userID string) int
}

// RepositoryMembership MembershipChecker backed by the channel store
type RepositoryMembership struct {
	channels repository.ChannelRepository
}

// NewRepositoryMembership create RepositoryMembership
func NewRepositoryMembership(channels repository.ChannelRepository) *RepositoryMembership {
	return &RepositoryMembership{channels: channels}
}

// IsMember channel_not_found when the channel does not exist
func (m *RepositoryMembership) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	ch, err := m.channels.FindByID(ctx, channelID)
	if err != nil {
		return false, storeErr(err)
	}
	return ch.IsMember(userID), nil
}

// ChannelUseCase channel registry: creation, membership and roles
type ChannelUseCase struct {
	channels repository.ChannelRepository
	evictor  Evictor
	events   EventLog
	now      func() time.Time
}

// NewChannelUseCase create ChannelUseCase; evictor and events may be nil
func NewChannelUseCase(channels repository.ChannelRepository, evictor Evictor, events EventLog) *ChannelUseCase {
	return &ChannelUseCase{
		channels: channels,
		evictor:  evictor,
		events:   events,
		now:      time.Now,
	}
}

// CreateChannel public or private channel owned by creatorID; the slug gets a numeric suffix on collision
func (u *ChannelUseCase) CreateChannel(ctx context.Context, creatorID, name string, kind domain.ChannelKind, memberIDs []string) (*domain.Channel, error) {
	if creatorID == "" {
		return nil, domain.ErrUnauthorized
	}
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxChannelNameLength {
		return nil, domain.Invalid("channel name must be 1-80 characters")
	}
	if kind == "" {
		kind = domain.ChannelPublic
	}
	if kind == domain.ChannelDirect || !kind.Valid() {
		return nil, domain.Invalid("kind must be public or private")
	}

	now := u.now().UnixMilli()
	ch := &domain.Channel{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      kind,
		Members:   []domain.Membership{{UserID: creatorID, Role: domain.RoleOwner, JoinedAt: now}},
		CreatedBy: creatorID,
		CreatedAt: now,
	}
	seen := map[string]bool{creatorID: true}
	for _, id := range memberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ch.Members = append(ch.Members, domain.Membership{UserID: id, Role: domain.RoleMember, JoinedAt: now})
	}

	base := domain.Slugify(name)
	for attempt := 1; attempt <= maxSlugAttempts; attempt++ {
		ch.Slug = domain.SlugCandidate(base, attempt)
		err := u.channels.CreateChannel(ctx, ch)
		if err == nil {
			logger.Log.Info("channel created", zap.String("channel", ch.ID), zap.String("slug", ch.Slug), zap.String("owner", creatorID))
			u.emit(ctx, domain.LifecycleMembership, ch.ID, creatorID)
			return ch, nil
		}
		if !errors.Is(err, domain.ErrSlugTaken) {
			return nil, storeErr(err)
		}
	}
	return nil, domain.ErrSlugTaken
}

// OpenDirect find or create the direct channel between two users
func (u *ChannelUseCase) OpenDirect(ctx context.Context, userID, peerID string) (*domain.Channel, bool, error) {
	if userID == "" {
		return nil, false, domain.ErrUnauthorized
	}
	if peerID == "" || peerID == userID {
		return nil, false, domain.Invalid("direct channel needs another user")
	}

	ch, err := u.channels.FindDirect(ctx, userID, peerID)
	if err == nil {
		return ch, false, nil
	}
	if !errors.Is(err, domain.ErrChannelNotFound) {
		return nil, false, storeErr(err)
	}

	now := u.now().UnixMilli()
	label := domain.DirectLabel(userID, peerID)
	ch = &domain.Channel{
		ID:   uuid.NewString(),
		Name: label,
		Slug: label,
		Kind: domain.ChannelDirect,
		Members: []domain.Membership{
			{UserID: userID, Role: domain.RoleMember, JoinedAt: now},
			{UserID: peerID, Role: domain.RoleMember, JoinedAt: now},
		},
		CreatedBy: userID,
		CreatedAt: now,
	}
	err = u.channels.CreateChannel(ctx, ch)
	if errors.Is(err, domain.ErrSlugTaken) {
		// 對方同時建立
		ch, err = u.channels.FindDirect(ctx, userID, peerID)
		if err != nil {
			return nil, false, storeErr(err)
		}
		return ch, false, nil
	}
	if err != nil {
		return nil, false, storeErr(err)
	}
	return ch, true, nil
}

// Get channel visible to a member
func (u *ChannelUseCase) Get(ctx context.Context, channelID, userID string) (*domain.Channel, error) {
	ch, err := u.channels.FindByID(ctx, channelID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !ch.IsMember(userID) {
		return nil, domain.ErrNotAMember
	}
	return ch, nil
}

// IsMember report membership; channel_not_found when missing
func (u *ChannelUseCase) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	return NewRepositoryMembership(u.channels).IsMember(ctx, channelID, userID)
}

// ListForUser channels userID belongs to, most recently active first
func (u *ChannelUseCase) ListForUser(ctx context.Context, userID string) ([]domain.Channel, error) {
	list, err := u.channels.ListForUser(ctx, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	return list, nil
}

func (u *ChannelUseCase) openForChanges(ctx context.Context, channelID string) (*domain.Channel, error) {
	ch, err := u.channels.FindByID(ctx, channelID)
	if err != nil {
		return nil, storeErr(err)
	}
	if ch.Archived {
		return nil, domain.ErrChannelArchived
	}
	return ch, nil
}

// Join self-join, public channels only
func (u *ChannelUseCase) Join(ctx context.Context, channelID, userID string) (*domain.Channel, error) {
	ch, err := u.openForChanges(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.IsMember(userID) {
		return ch, nil
	}
	if ch.Kind != domain.ChannelPublic {
		return nil, domain.ErrNotAuthorized
	}
	return u.addMember(ctx, ch, userID, userID)
}

// AddMember admin or owner adds userID to a public or private channel
func (u *ChannelUseCase) AddMember(ctx context.Context, channelID, actorID, userID string) (*domain.Channel, error) {
	ch, err := u.openForChanges(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.Kind == domain.ChannelDirect {
		return nil, domain.Invalid("direct channels have exactly two members")
	}
	if err := requireModerator(ch, actorID); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, domain.Invalid("user_id is required")
	}
	if ch.IsMember(userID) {
		return ch, nil
	}
	return u.addMember(ctx, ch, actorID, userID)
}

func (u *ChannelUseCase) addMember(ctx context.Context, ch *domain.Channel, actorID, userID string) (*domain.Channel, error) {
	m := domain.Membership{UserID: userID, Role: domain.RoleMember, JoinedAt: u.now().UnixMilli()}
	added, err := u.channels.AddMember(ctx, ch.ID, m)
	if err != nil {
		return nil, storeErr(err)
	}
	if added {
		ch.Members = append(ch.Members, m)
		u.emit(ctx, domain.LifecycleMembership, ch.ID, actorID)
	}
	return ch, nil
}

// Leave self-removal; the owner must transfer first while others remain.
// An owner leaving an otherwise empty channel archives it instead.
func (u *ChannelUseCase) Leave(ctx context.Context, channelID, userID string) error {
	ch, err := u.channels.FindByID(ctx, channelID)
	if err != nil {
		return storeErr(err)
	}
	m, ok := ch.Member(userID)
	if !ok {
		return domain.ErrNotAMember
	}
	if ch.Kind == domain.ChannelDirect {
		return domain.Invalid("cannot leave a direct channel")
	}
	if m.Role == domain.RoleOwner {
		if len(ch.Members) > 1 {
			return domain.ErrOwnerMustTransfer
		}
		if err := u.channels.Archive(ctx, channelID); err != nil {
			return storeErr(err)
		}
		u.emit(ctx, domain.LifecycleArchived, channelID, userID)
		u.evict(ctx, channelID, userID)
		return nil
	}
	return u.remove(ctx, channelID, userID, userID)
}

// RemoveMember moderation removal; only the owner removes admins, nobody removes the owner
func (u *ChannelUseCase) RemoveMember(ctx context.Context, channelID, actorID, userID string) error {
	ch, err := u.channels.FindByID(ctx, channelID)
	if err != nil {
		return storeErr(err)
	}
	if ch.Kind == domain.ChannelDirect {
		return domain.Invalid("direct channels have exactly two members")
	}
	if err := requireModerator(ch, actorID); err != nil {
		return err
	}
	target, ok := ch.Member(userID)
	if !ok {
		return domain.ErrNotAMember
	}
	switch target.Role {
	case domain.RoleOwner:
		return domain.ErrOwnerMustTransfer
	case domain.RoleAdmin:
		if ch.Owner() != actorID && actorID != userID {
			return domain.ErrNotAuthorized
		}
	}
	return u.remove(ctx, channelID, actorID, userID)
}

func (u *ChannelUseCase) remove(ctx context.Context, channelID, actorID, userID string) error {
	removed, err := u.channels.RemoveMember(ctx, channelID, userID)
	if err != nil {
		return storeErr(err)
	}
	if removed {
		u.emit(ctx, domain.LifecycleMembership, channelID, actorID)
	}
	u.evict(ctx, channelID, userID)
	return nil
}

// SetRole owner promotes or demotes a member between admin and member
func (u *ChannelUseCase) SetRole(ctx context.Context, channelID, actorID, userID string, role domain.MemberRole) error {
	if role != domain.RoleAdmin && role != domain.RoleMember {
		return domain.Invalid("role must be admin or member; use ownership transfer for owner")
	}
	ch, err := u.openForChanges(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Owner() != actorID {
		return domain.ErrNotAuthorized
	}
	if userID == actorID {
		return domain.ErrOwnerMustTransfer
	}
	if err := u.channels.SetRole(ctx, channelID, userID, role); err != nil {
		return storeErr(err)
	}
	u.emit(ctx, domain.LifecycleMembership, channelID, actorID)
	return nil
}

// TransferOwnership current owner hands the channel to another member and becomes admin
func (u *ChannelUseCase) TransferOwnership(ctx context.Context, channelID, actorID, toUserID string) error {
	ch, err := u.openForChanges(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Owner() != actorID {
		return domain.ErrNotAuthorized
	}
	if !ch.IsMember(toUserID) {
		return domain.ErrNotAMember
	}
	if toUserID == actorID {
		return nil
	}
	if err := u.channels.TransferOwnership(ctx, channelID, actorID, toUserID); err != nil {
		return storeErr(err)
	}
	logger.Log.Info("ownership transferred", zap.String("channel", channelID), zap.String("from", actorID), zap.String("to", toUserID))
	u.emit(ctx, domain.LifecycleMembership, channelID, actorID)
	return nil
}

// Archive owner retires the channel; it is never hard-deleted
func (u *ChannelUseCase) Archive(ctx context.Context, channelID, actorID string) error {
	ch, err := u.channels.FindByID(ctx, channelID)
	if err != nil {
		return storeErr(err)
	}
	if ch.Kind == domain.ChannelDirect || ch.Owner() != actorID {
		return domain.ErrNotAuthorized
	}
	if ch.Archived {
		return nil
	}
	if err := u.channels.Archive(ctx, channelID); err != nil {
		return storeErr(err)
	}
	u.emit(ctx, domain.LifecycleArchived, channelID, actorID)
	return nil
}

func (u *ChannelUseCase) evict(ctx context.Context, channelID, userID string) {
	if u.evictor != nil {
		u.evictor.Evict(ctx, channelID, userID)
	}
}

func (u *ChannelUseCase) emit(ctx context.Context, kind domain.LifecycleKind, channelID, actorID string) {
	emitLifecycle(ctx, u.events, domain.LifecycleEvent{
		Kind:      kind,
		ChannelID: channelID,
		ActorID:   actorID,
		At:        u.now().UnixMilli(),
	})
}

func requireModerator(ch *domain.Channel, actorID string) error {
	if !ch.IsMember(actorID) {
		return domain.ErrNotAMember
	}
	if !ch.CanModerate(actorID) {
		return domain.ErrNotAuthorized
	}
	return nil
}
