package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"community_chat/internal/chat/domain"
	"community_chat/internal/chat/repository"
	"community_chat/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type messageFixture struct {
	uc       *MessageUseCase
	channels repository.ChannelRepository
	messages repository.MessageRepository
	pub      *recordingPublisher
	clock    *fakeClock
	channel  *domain.Channel
}

// newMessageFixture channel c1: alice owner, bob admin, carol member
func newMessageFixture(t *testing.T, opts ...MessageOption) *messageFixture {
	t.Helper()
	logger.SetNewNop()

	f := &messageFixture{
		channels: repository.NewMemoryChannelRepository(),
		messages: repository.NewMemoryMessageRepository(),
		pub:      &recordingPublisher{},
		clock:    newFakeClock(),
	}
	f.channel = &domain.Channel{
		ID:   "c1",
		Name: "General",
		Slug: "general",
		Kind: domain.ChannelPublic,
		Members: []domain.Membership{
			{UserID: "alice", Role: domain.RoleOwner},
			{UserID: "bob", Role: domain.RoleAdmin},
			{UserID: "carol", Role: domain.RoleMember},
		},
		CreatedBy: "alice",
	}
	require.NoError(t, f.channels.CreateChannel(context.Background(), f.channel))

	limiter := NewRateLimiter(500*time.Millisecond, 10, time.Minute).WithClock(f.clock.Now)
	opts = append([]MessageOption{WithMessageClock(f.clock.Now)}, opts...)
	f.uc = NewMessageUseCase(f.channels, f.messages, limiter, f.pub, opts...)
	return f
}

func (f *messageFixture) send(t *testing.T, author, body string) *domain.Message {
	t.Helper()
	msg, err := f.uc.Send(context.Background(), SendInput{ChannelID: "c1", AuthorID: author, AuthorName: author, Body: body})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return msg
}

func TestSendPersistsThenPublishes(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()

	msg, err := f.uc.Send(ctx, SendInput{
		ChannelID:  "c1",
		AuthorID:   "carol",
		AuthorName: "Carol",
		Body:       "hi @bob and @nobody",
		Metadata:   domain.SendMetadata{ClientID: "tmp-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MessageText, msg.Kind)
	assert.Equal(t, []string{"bob"}, msg.Mentions)
	assert.Equal(t, "tmp-1", msg.ClientID)

	stored, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi @bob and @nobody", stored.Body)

	ch, _ := f.channels.FindByID(ctx, "c1")
	assert.Equal(t, msg.CreatedAt, ch.LastMessageAt)

	events := f.pub.named(domain.EventNewMessage)
	require.Len(t, events, 1)
	var got domain.Message
	require.NoError(t, events[0].Decode(&got))
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "tmp-1", got.ClientID)
}

func TestSendRejections(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   SendInput
		want error
	}{
		{"no identity", SendInput{ChannelID: "c1", Body: "x"}, domain.ErrUnauthorized},
		{"not a member", SendInput{ChannelID: "c1", AuthorID: "mallory", Body: "x"}, domain.ErrNotAMember},
		{"unknown channel", SendInput{ChannelID: "nope", AuthorID: "alice", Body: "x"}, domain.ErrChannelNotFound},
		{"too long", SendInput{ChannelID: "c1", AuthorID: "alice", Body: strings.Repeat("字", domain.DefaultMaxBodyLength+1)}, domain.ErrBodyTooLong},
		{"empty text", SendInput{ChannelID: "c1", AuthorID: "alice", Body: "   "}, domain.ErrInvalidRequest},
		{"unknown kind", SendInput{ChannelID: "c1", AuthorID: "alice", Body: "x", Kind: "video"}, domain.ErrInvalidRequest},
		{"image without attachment", SendInput{ChannelID: "c1", AuthorID: "alice", Kind: domain.MessageImage}, domain.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.uc.Send(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 0, f.pub.count())

	// 剛好上限可送出
	_, err := f.uc.Send(ctx, SendInput{ChannelID: "c1", AuthorID: "alice", Body: strings.Repeat("字", domain.DefaultMaxBodyLength)})
	assert.NoError(t, err)
}

func TestSendEleventhMessageRateLimited(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		f.send(t, "carol", "spam")
	}
	_, err := f.uc.Send(ctx, SendInput{ChannelID: "c1", AuthorID: "carol", Body: "one more"})
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, domain.DenyBurstCap, domain.AsChatError(err).Reason)
	assert.Greater(t, domain.AsChatError(err).RetryAfter, time.Duration(0))

	page, err := f.uc.History(ctx, "c1", "carol", 0, 50)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 10)
	assert.Len(t, f.pub.named(domain.EventNewMessage), 10)
}

func TestSendStoreFailurePublishesNothing(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()
	channels := repository.NewMemoryChannelRepository()
	require.NoError(t, channels.CreateChannel(ctx, &domain.Channel{
		ID: "c1", Slug: "c1", Kind: domain.ChannelPublic,
		Members: []domain.Membership{{UserID: "alice", Role: domain.RoleOwner}},
	}))

	messages := new(MockMessageRepository)
	messages.On("CreateMessage", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	pub := &recordingPublisher{}
	uc := NewMessageUseCase(channels, messages, NewRateLimiter(0, 10, time.Minute), pub)

	_, err := uc.Send(ctx, SendInput{ChannelID: "c1", AuthorID: "alice", Body: "hello"})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 0, pub.count())
	messages.AssertExpectations(t)
}

func TestSendStoreFailureRefundsRateBudget(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()
	channels := repository.NewMemoryChannelRepository()
	require.NoError(t, channels.CreateChannel(ctx, &domain.Channel{
		ID: "c1", Slug: "c1", Kind: domain.ChannelPublic,
		Members: []domain.Membership{{UserID: "alice", Role: domain.RoleOwner}},
	}))

	messages := new(MockMessageRepository)
	messages.On("CreateMessage", mock.Anything, mock.Anything).Return(errors.New("connection refused")).Once()
	messages.On("CreateMessage", mock.Anything, mock.Anything).Return(nil).Once()

	uc := NewMessageUseCase(channels, messages, NewRateLimiter(time.Minute, 1, time.Hour), &recordingPublisher{})

	_, err := uc.Send(ctx, SendInput{ChannelID: "c1", AuthorID: "alice", Body: "hello"})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)

	_, err = uc.Send(ctx, SendInput{ChannelID: "c1", AuthorID: "alice", Body: "hello"})
	require.NoError(t, err)
	messages.AssertExpectations(t)
}

func TestSendToArchivedChannel(t *testing.T) {
	f := newMessageFixture(t)
	require.NoError(t, f.channels.Archive(context.Background(), "c1"))

	_, err := f.uc.Send(context.Background(), SendInput{ChannelID: "c1", AuthorID: "alice", Body: "hello"})
	assert.ErrorIs(t, err, domain.ErrChannelArchived)
}

func TestSendReplyMustBeInSameChannel(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	parent := f.send(t, "alice", "question")

	reply, err := f.uc.Send(ctx, SendInput{ChannelID: "c1", AuthorID: "bob", Body: "answer", Metadata: domain.SendMetadata{ReplyTo: parent.ID}})
	require.NoError(t, err)
	assert.Equal(t, parent.ID, reply.ReplyTo)
	f.clock.Advance(time.Second)

	_, err = f.uc.Send(ctx, SendInput{ChannelID: "c1", AuthorID: "bob", Body: "answer", Metadata: domain.SendMetadata{ReplyTo: "missing"}})
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	// 被拒絕的 reply 不佔 cooldown
	_, err = f.uc.Send(ctx, SendInput{ChannelID: "c1", AuthorID: "bob", Body: "answer"})
	assert.NoError(t, err)
}

func TestSendAttachmentsResolved(t *testing.T) {
	store := new(MockAttachmentStore)
	f := newMessageFixture(t, WithAttachments(store))
	in := domain.Attachment{ObjectKey: "channels/c1/abc-cat.png"}
	resolved := domain.Attachment{ObjectKey: in.ObjectKey, FileName: "cat.png", ContentType: "image/png", Size: 42}
	store.On("Resolve", mock.Anything, "c1", in).Return(resolved, nil)
	store.On("Sign", mock.Anything, resolved).Return(domain.Attachment{ObjectKey: in.ObjectKey, FileName: "cat.png", URL: "https://signed"}, nil)

	msg, err := f.uc.Send(context.Background(), SendInput{
		ChannelID: "c1", AuthorID: "alice", Kind: domain.MessageImage,
		Metadata: domain.SendMetadata{Attachments: []domain.Attachment{in}},
	})
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, int64(42), msg.Attachments[0].Size)

	var published domain.Message
	require.NoError(t, f.pub.named(domain.EventNewMessage)[0].Decode(&published))
	assert.Equal(t, "https://signed", published.Attachments[0].URL)
	store.AssertExpectations(t)
}

func TestEditKeepsHistory(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	msg := f.send(t, "carol", "v0")

	for _, body := range []string{"v1", "v2", "v3"} {
		_, err := f.uc.Edit(ctx, msg.ID, "carol", body, nil)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	stored, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "v3", stored.Body)
	require.Len(t, stored.EditHistory, 3)
	assert.Equal(t, "v0", stored.EditHistory[0].Body)
	assert.Equal(t, "v2", stored.EditHistory[2].Body)
	assert.NotZero(t, stored.EditedAt)
	assert.Len(t, f.pub.named(domain.EventMessageEdited), 3)

	// 內容相同不留紀錄
	_, err = f.uc.Edit(ctx, msg.ID, "carol", "v3", nil)
	require.NoError(t, err)
	stored, _ = f.messages.FindByID(ctx, msg.ID)
	assert.Len(t, stored.EditHistory, 3)
}

func TestEditRules(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	msg := f.send(t, "carol", "original")

	_, err := f.uc.Edit(ctx, msg.ID, "alice", "owner edit", nil)
	assert.ErrorIs(t, err, domain.ErrNotAuthor, "owners cannot edit other people's messages")

	stale := "something else"
	_, err = f.uc.Edit(ctx, msg.ID, "carol", "new", &stale)
	assert.ErrorIs(t, err, domain.ErrConflict)

	current := "original"
	_, err = f.uc.Edit(ctx, msg.ID, "carol", "new", &current)
	assert.NoError(t, err)

	_, err = f.uc.Edit(ctx, "missing", "carol", "new", nil)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestEditAfterDeleteRejected(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	msg := f.send(t, "carol", "oops")

	_, err := f.uc.SoftDelete(ctx, msg.ID, "carol")
	require.NoError(t, err)

	_, err = f.uc.Edit(ctx, msg.ID, "carol", "resurrect", nil)
	assert.ErrorIs(t, err, domain.ErrMessageDeleted)

	stored, _ := f.messages.FindByID(ctx, msg.ID)
	assert.Equal(t, domain.Tombstone, stored.Body)
}

func TestSoftDeleteKeepsRecord(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	msg := f.send(t, "carol", "secret")
	_, _, err := f.uc.React(ctx, msg.ID, "alice", "👍")
	require.NoError(t, err)
	_, err = f.uc.Pin(ctx, msg.ID, "alice")
	require.NoError(t, err)

	deleted, err := f.uc.SoftDelete(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Equal(t, domain.Tombstone, deleted.Body)
	assert.Empty(t, deleted.Reactions)

	stored, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Deleted)
	assert.Equal(t, "bob", stored.DeletedBy)
	assert.False(t, stored.Pinned)

	ch, _ := f.channels.FindByID(ctx, "c1")
	assert.NotContains(t, ch.PinnedMessageIDs, msg.ID)
	assert.Len(t, f.pub.named(domain.EventMessageUnpinned), 1)

	page, err := f.uc.History(ctx, "c1", "carol", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, domain.Tombstone, page.Messages[0].Body)

	// 重複刪除為 no-op
	_, err = f.uc.SoftDelete(ctx, msg.ID, "carol")
	require.NoError(t, err)
	assert.Len(t, f.pub.named(domain.EventMessageDeleted), 1)
}

func TestSoftDeletePermissions(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	msg := f.send(t, "bob", "admin message")

	_, err := f.uc.SoftDelete(ctx, msg.ID, "carol")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = f.uc.SoftDelete(ctx, msg.ID, "mallory")
	assert.ErrorIs(t, err, domain.ErrNotAMember)

	_, err = f.uc.SoftDelete(ctx, msg.ID, "alice")
	assert.NoError(t, err)
}

func TestConcurrentPinsPublishOnce(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	msg := f.send(t, "carol", "important")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			_, err := f.uc.Pin(ctx, msg.ID, actor)
			assert.NoError(t, err)
		}([]string{"alice", "bob"}[i%2])
	}
	wg.Wait()

	assert.Len(t, f.pub.named(domain.EventMessagePinned), 1)
	pins, err := f.uc.Pinned(ctx, "c1", "carol")
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, msg.ID, pins[0].ID)
}

func TestPinRules(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	msg := f.send(t, "carol", "pin me")

	_, err := f.uc.Pin(ctx, msg.ID, "carol")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = f.uc.Pin(ctx, msg.ID, "bob")
	require.NoError(t, err)

	unpinned, err := f.uc.Unpin(ctx, msg.ID, "alice")
	require.NoError(t, err)
	assert.False(t, unpinned.Pinned)
	_, err = f.uc.Unpin(ctx, msg.ID, "alice")
	require.NoError(t, err)
	assert.Len(t, f.pub.named(domain.EventMessageUnpinned), 1)

	_, err = f.uc.SoftDelete(ctx, msg.ID, "carol")
	require.NoError(t, err)
	_, err = f.uc.Pin(ctx, msg.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrMessageDeleted)
}

func TestReactToggles(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	msg := f.send(t, "carol", "nice")

	updated, added, err := f.uc.React(ctx, msg.ID, "alice", "🎉")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, []string{"alice"}, updated.Reactions["🎉"])

	updated, added, err = f.uc.React(ctx, msg.ID, "alice", "🎉")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Empty(t, updated.Reactions["🎉"])

	_, _, err = f.uc.React(ctx, msg.ID, "alice", "$set")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	evs := f.pub.named(domain.EventMessageReaction)
	require.Len(t, evs, 2)
	var p domain.ReactionPayload
	require.NoError(t, evs[1].Decode(&p))
	assert.False(t, p.Added)
}

func TestHistoryPagination(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	var sent []*domain.Message
	for _, body := range []string{"m1", "m2", "m3", "m4", "m5"} {
		sent = append(sent, f.send(t, "alice", body))
	}

	page, err := f.uc.History(ctx, "c1", "carol", 0, 2)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m4", page.Messages[0].Body)
	assert.Equal(t, "m5", page.Messages[1].Body)

	page, err = f.uc.History(ctx, "c1", "carol", page.Messages[0].CreatedAt, 10)
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, sent[0].ID, page.Messages[0].ID)

	_, err = f.uc.History(ctx, "c1", "mallory", 0, 10)
	assert.ErrorIs(t, err, domain.ErrNotAMember)
}

func TestLifecycleEventsEmitted(t *testing.T) {
	events := new(MockEventLog)
	events.On("Emit", mock.Anything, mock.MatchedBy(func(ev domain.LifecycleEvent) bool {
		return ev.Kind == domain.LifecycleCreated && ev.ChannelID == "c1"
	})).Return(nil).Once()
	events.On("Emit", mock.Anything, mock.MatchedBy(func(ev domain.LifecycleEvent) bool {
		return ev.Kind == domain.LifecycleDeleted && ev.Message.Body == domain.Tombstone
	})).Return(errors.New("broker down")).Once()

	f := newMessageFixture(t, WithEventLog(events))
	msg := f.send(t, "carol", "hello")

	// event log 失敗不影響操作
	_, err := f.uc.SoftDelete(context.Background(), msg.ID, "carol")
	require.NoError(t, err)
	events.AssertExpectations(t)
}

func TestPresignUpload(t *testing.T) {
	store := new(MockAttachmentStore)
	f := newMessageFixture(t, WithAttachments(store))
	ctx := context.Background()
	store.On("PresignUpload", mock.Anything, "c1", "cat.png").Return("channels/c1/x-cat.png", "https://upload", nil)

	key, url, err := f.uc.PresignUpload(ctx, "c1", "carol", "cat.png")
	require.NoError(t, err)
	assert.Equal(t, "channels/c1/x-cat.png", key)
	assert.Equal(t, "https://upload", url)

	_, _, err = f.uc.PresignUpload(ctx, "c1", "mallory", "cat.png")
	assert.ErrorIs(t, err, domain.ErrNotAMember)

	disabled := newMessageFixture(t)
	_, _, err = disabled.uc.PresignUpload(ctx, "c1", "carol", "cat.png")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
