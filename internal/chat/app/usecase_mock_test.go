package app

import (
	"context"
	"sync"
	"time"

	"community_chat/internal/chat/domain"

	"github.com/stretchr/testify/mock"
)

// MockMessageRepository Mock MessageRepository
type MockMessageRepository struct {
	mock.Mock
}

// CreateMessage mock insert message
func (m *MockMessageRepository) CreateMessage(ctx context.Context, msg *domain.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// FindByID mock find message by id
func (m *MockMessageRepository) FindByID(ctx context.Context, messageID string) (*domain.Message, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// UpdateMessage mock patch message
func (m *MockMessageRepository) UpdateMessage(ctx context.Context, messageID string, patch domain.MessagePatch) (*domain.Message, error) {
	args := m.Called(ctx, messageID, patch)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// ListMessages mock history query
func (m *MockMessageRepository) ListMessages(ctx context.Context, channelID string, limit int, before int64) ([]domain.Message, error) {
	args := m.Called(ctx, channelID, limit, before)
	if args.Get(0) != nil {
		return args.Get(0).([]domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// ListPinned mock pinned query
func (m *MockMessageRepository) ListPinned(ctx context.Context, channelID string) ([]domain.Message, error) {
	args := m.Called(ctx, channelID)
	if args.Get(0) != nil {
		return args.Get(0).([]domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockEventLog Mock EventLog
type MockEventLog struct {
	mock.Mock
}

// Emit mock lifecycle event
func (m *MockEventLog) Emit(ctx context.Context, ev domain.LifecycleEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

// MockNotificationQueue Mock NotificationQueue
type MockNotificationQueue struct {
	mock.Mock
}

// Enqueue mock enqueue job
func (m *MockNotificationQueue) Enqueue(ctx context.Context, job domain.NotificationJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

// MockAttachmentStore Mock AttachmentStore
type MockAttachmentStore struct {
	mock.Mock
}

// PresignUpload mock presign
func (m *MockAttachmentStore) PresignUpload(ctx context.Context, channelID, fileName string) (string, string, error) {
	args := m.Called(ctx, channelID, fileName)
	return args.String(0), args.String(1), args.Error(2)
}

// Resolve mock resolve
func (m *MockAttachmentStore) Resolve(ctx context.Context, channelID string, a domain.Attachment) (domain.Attachment, error) {
	args := m.Called(ctx, channelID, a)
	return args.Get(0).(domain.Attachment), args.Error(1)
}

// Sign mock sign
func (m *MockAttachmentStore) Sign(ctx context.Context, a domain.Attachment) (domain.Attachment, error) {
	args := m.Called(ctx, a)
	return args.Get(0).(domain.Attachment), args.Error(1)
}

// recordingPublisher EventPublisher that keeps every published event
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, channelID string, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev.ChannelID = channelID
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) named(name domain.EventName) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, ev := range p.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// fakeClock manually advanced time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// staticMembership MembershipChecker from a fixed table
type staticMembership map[string][]string

func (s staticMembership) IsMember(_ context.Context, channelID, userID string) (bool, error) {
	members, ok := s[channelID]
	if !ok {
		return false, domain.ErrChannelNotFound
	}
	for _, m := range members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}
