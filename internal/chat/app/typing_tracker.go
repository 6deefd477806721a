package app

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"community_chat/internal/chat/domain"
	"community_chat/pkg/logger"

	"go.uber.org/zap"
)

// EventPublisher fan-out sink, implemented by Gateway
type EventPublisher interface {
	Publish(ctx context.Context, channelID string, ev domain.Event) error
}

type typingEntry struct {
	userName string
	expires  time.Time
	gen      uint64
}

type expiryItem struct {
	channelID string
	userID    string
	expires   time.Time
	gen       uint64
}

// expiryHeap min-heap by expires; stale items (gen mismatch) are skipped when popped
type expiryHeap []expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expires.Before(h[j].expires) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// TypingTracker ephemeral per channel typing set with one sweep for expiry
type TypingTracker struct {
	ttl time.Duration
	pub EventPublisher
	now func() time.Time

	mu       sync.Mutex
	channels map[string]map[string]*typingEntry
	expiry   expiryHeap
	gen      uint64
}

// NewTypingTracker create TypingTracker
func NewTypingTracker(ttl time.Duration, pub EventPublisher) *TypingTracker {
	return &TypingTracker{
		ttl:      ttl,
		pub:      pub,
		now:      time.Now,
		channels: map[string]map[string]*typingEntry{},
	}
}

// WithClock replace the time source, tests only
func (t *TypingTracker) WithClock(now func() time.Time) *TypingTracker {
	t.now = now
	return t
}

func (t *TypingTracker) snapshotLocked(channelID string) []string {
	users := make([]string, 0, len(t.channels[channelID]))
	for id := range t.channels[channelID] {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// StartTyping insert or refresh userID and push a new expiry
func (t *TypingTracker) StartTyping(ctx context.Context, channelID, userID, userName string) {
	t.mu.Lock()
	set, ok := t.channels[channelID]
	if !ok {
		set = map[string]*typingEntry{}
		t.channels[channelID] = set
	}
	t.gen++
	expires := t.now().Add(t.ttl)
	set[userID] = &typingEntry{userName: userName, expires: expires, gen: t.gen}
	heap.Push(&t.expiry, expiryItem{channelID: channelID, userID: userID, expires: expires, gen: t.gen})
	snapshot := t.snapshotLocked(channelID)
	t.mu.Unlock()

	t.broadcast(ctx, domain.EventUserTyping, domain.TypingPayload{
		ChannelID: channelID, UserID: userID, UserName: userName, Typing: snapshot,
	})
}

// StopTyping remove userID; no broadcast when it was not typing
func (t *TypingTracker) StopTyping(ctx context.Context, channelID, userID string) bool {
	t.mu.Lock()
	removed := t.removeLocked(channelID, userID)
	snapshot := t.snapshotLocked(channelID)
	t.mu.Unlock()

	if removed {
		t.broadcast(ctx, domain.EventUserStoppedTyping, domain.TypingPayload{
			ChannelID: channelID, UserID: userID, Typing: snapshot,
		})
	}
	return removed
}

// StopAll stop userID in every listed channel (disconnect)
func (t *TypingTracker) StopAll(ctx context.Context, userID string, channelIDs []string) {
	for _, id := range channelIDs {
		t.StopTyping(ctx, id, userID)
	}
}

func (t *TypingTracker) removeLocked(channelID, userID string) bool {
	set, ok := t.channels[channelID]
	if !ok {
		return false
	}
	if _, ok := set[userID]; !ok {
		return false
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(t.channels, channelID)
	}
	return true
}

// Snapshot typing user ids of channelID, sorted
func (t *TypingTracker) Snapshot(channelID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(channelID)
}

// Sweep expire every entry whose deadline passed; returns how many expired
func (t *TypingTracker) Sweep(ctx context.Context) int {
	type expired struct {
		channelID, userID string
		snapshot          []string
	}
	var out []expired

	t.mu.Lock()
	now := t.now()
	for t.expiry.Len() > 0 && !t.expiry[0].expires.After(now) {
		it := heap.Pop(&t.expiry).(expiryItem)
		e, ok := t.channels[it.channelID][it.userID]
		if !ok || e.gen != it.gen {
			continue
		}
		t.removeLocked(it.channelID, it.userID)
		out = append(out, expired{it.channelID, it.userID, t.snapshotLocked(it.channelID)})
	}
	t.mu.Unlock()

	for _, e := range out {
		t.broadcast(ctx, domain.EventUserStoppedTyping, domain.TypingPayload{
			ChannelID: e.channelID, UserID: e.userID, Typing: e.snapshot,
		})
	}
	return len(out)
}

// Run sweep every interval until ctx is done
func (t *TypingTracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (t *TypingTracker) broadcast(ctx context.Context, name domain.EventName, p domain.TypingPayload) {
	if t.pub == nil {
		return
	}
	if err := t.pub.Publish(ctx, p.ChannelID, domain.NewEvent(name, p.ChannelID, p)); err != nil {
		logger.Log.Warn("typing broadcast failed", zap.String("channel", p.ChannelID), zap.Error(err))
	}
}
