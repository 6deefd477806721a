package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"community_chat/internal/chat/domain"
	"community_chat/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// drain read everything currently queued on c
func drain(c *Connection) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-c.Outbound():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func namesOf(evs []domain.Event) []domain.EventName {
	out := make([]domain.EventName, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Name)
	}
	return out
}

func TestGatewayRegisterRequiresIdentity(t *testing.T) {
	logger.SetNewNop()
	g := NewGateway(staticMembership{})

	c, err := g.Register(context.Background(), "", "")
	assert.Nil(t, c)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, 0, g.ConnectionCount())
}

func TestGatewaySubscribeChecksMembership(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()
	g := NewGateway(staticMembership{"c1": {"alice"}})

	c, err := g.Register(ctx, "bob", "Bob")
	require.NoError(t, err)

	assert.ErrorIs(t, g.Subscribe(ctx, c, "c1"), domain.ErrNotAMember)
	assert.ErrorIs(t, g.Subscribe(ctx, c, "missing"), domain.ErrChannelNotFound)
	assert.Empty(t, c.Channels())
	assert.Equal(t, 0, g.Subscribers("c1"))
}

func TestGatewayPresenceEvents(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()
	g := NewGateway(staticMembership{"c1": {"alice", "bob"}})

	a, _ := g.Register(ctx, "alice", "Alice")
	b, _ := g.Register(ctx, "bob", "Bob")
	require.NoError(t, g.Subscribe(ctx, a, "c1"))
	require.NoError(t, g.Subscribe(ctx, a, "c1"), "subscribe is idempotent")
	require.NoError(t, g.Subscribe(ctx, b, "c1"))

	assert.Equal(t, []domain.EventName{domain.EventUserJoined, domain.EventUserJoined}, namesOf(drain(a)))
	assert.Equal(t, []domain.EventName{domain.EventUserJoined}, namesOf(drain(b)))

	assert.True(t, g.Unsubscribe(ctx, b, "c1"))
	assert.False(t, g.Unsubscribe(ctx, b, "c1"))

	left := drain(a)
	require.Len(t, left, 1)
	var p domain.PresencePayload
	require.NoError(t, left[0].Decode(&p))
	assert.Equal(t, domain.EventUserLeft, left[0].Name)
	assert.Equal(t, "bob", p.UserID)
}

func TestGatewayPublishWithoutSubscribers(t *testing.T) {
	logger.SetNewNop()
	g := NewGateway(staticMembership{})
	ev := domain.NewEvent(domain.EventNewMessage, "empty", domain.Message{ID: "m1"})

	assert.NoError(t, g.Publish(context.Background(), "empty", ev))
	assert.Equal(t, 0, g.Deliver("empty", ev))
}

func TestGatewayConcurrentPublishSameOrder(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()
	g := NewGateway(staticMembership{"c1": {"alice", "bob"}}, WithSendBuffer(1024))

	a, _ := g.Register(ctx, "alice", "Alice")
	b, _ := g.Register(ctx, "bob", "Bob")
	require.NoError(t, g.Subscribe(ctx, a, "c1"))
	require.NoError(t, g.Subscribe(ctx, b, "c1"))
	drain(a)
	drain(b)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				_ = g.Publish(ctx, "c1", domain.NewEvent(domain.EventNewMessage, "c1", domain.Message{ID: id}))
			}
		}(w)
	}
	wg.Wait()

	gotA, gotB := drain(a), drain(b)
	require.Len(t, gotA, writers*perWriter)
	require.Len(t, gotB, writers*perWriter)

	lastPerWriter := map[string]int{}
	for i := range gotA {
		var ma, mb domain.Message
		require.NoError(t, gotA[i].Decode(&ma))
		require.NoError(t, gotB[i].Decode(&mb))
		assert.Equal(t, ma.ID, mb.ID, "position %d", i)
		assert.Equal(t, gotA[i].Seq, gotB[i].Seq)

		// 同一發送者的訊息保持發送順序
		var w, n int
		_, err := fmt.Sscanf(ma.ID, "w%d-%d", &w, &n)
		require.NoError(t, err)
		key := fmt.Sprint(w)
		if prev, ok := lastPerWriter[key]; ok {
			assert.Greater(t, n, prev)
		}
		lastPerWriter[key] = n
	}
}

func TestGatewayDropsSlowConsumer(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()
	g := NewGateway(staticMembership{"c1": {"alice", "bob"}}, WithSendBuffer(4))

	slow, _ := g.Register(ctx, "alice", "Alice")
	fast, _ := g.Register(ctx, "bob", "Bob")
	require.NoError(t, g.Subscribe(ctx, slow, "c1"))
	require.NoError(t, g.Subscribe(ctx, fast, "c1"))

	for i := 0; i < 4; i++ {
		drain(fast)
		_ = g.Publish(ctx, "c1", domain.NewEvent(domain.EventNewMessage, "c1", domain.Message{ID: fmt.Sprint(i)}))
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow consumer was not dropped")
	}
	assert.Equal(t, 1, g.ConnectionCount())
	assert.Equal(t, 1, g.Subscribers("c1"))
	assert.True(t, fast.IsSubscribed("c1"))
}

func TestGatewayEvictAllConnectionsOfUser(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()
	g := NewGateway(staticMembership{"c1": {"alice"}, "c2": {"alice"}})

	phone, _ := g.Register(ctx, "alice", "Alice")
	laptop, _ := g.Register(ctx, "alice", "Alice")
	for _, c := range []*Connection{phone, laptop} {
		require.NoError(t, g.Subscribe(ctx, c, "c1"))
		require.NoError(t, g.Subscribe(ctx, c, "c2"))
	}

	assert.Equal(t, 2, g.Evict(ctx, "c1", "alice"))
	assert.Equal(t, 0, g.Subscribers("c1"))
	assert.Equal(t, []string{"c2"}, phone.Channels())
	assert.Equal(t, []string{"c2"}, laptop.Channels())
	assert.Equal(t, 2, g.ConnectionCount(), "eviction keeps the connections")
}

func TestGatewayDisconnectClearsTyping(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()
	g := NewGateway(staticMembership{"c1": {"alice", "bob"}})
	typing := NewTypingTracker(5*time.Second, g)
	g.SetTypingTracker(typing)

	a, _ := g.Register(ctx, "alice", "Alice")
	b, _ := g.Register(ctx, "bob", "Bob")
	require.NoError(t, g.Subscribe(ctx, a, "c1"))
	require.NoError(t, g.Subscribe(ctx, b, "c1"))
	typing.StartTyping(ctx, "c1", "alice", "Alice")
	drain(b)

	g.Disconnect(ctx, a)
	g.Disconnect(ctx, a)

	assert.Empty(t, typing.Snapshot("c1"))
	assert.Equal(t, []domain.EventName{domain.EventUserStoppedTyping, domain.EventUserLeft}, namesOf(drain(b)))
	assert.Equal(t, 1, g.ConnectionCount())
	assert.False(t, g.IsOnline(ctx, "alice"))
	assert.True(t, g.IsOnline(ctx, "bob"))

	assert.ErrorIs(t, g.Subscribe(ctx, a, "c1"), domain.ErrUnauthorized, "closed connection cannot resubscribe")
}

func TestGatewayTypingKeptWhileAnotherConnectionSubscribed(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()
	g := NewGateway(staticMembership{"c1": {"alice"}})
	typing := NewTypingTracker(5*time.Second, g)
	g.SetTypingTracker(typing)

	phone, _ := g.Register(ctx, "alice", "Alice")
	laptop, _ := g.Register(ctx, "alice", "Alice")
	require.NoError(t, g.Subscribe(ctx, phone, "c1"))
	require.NoError(t, g.Subscribe(ctx, laptop, "c1"))
	typing.StartTyping(ctx, "c1", "alice", "Alice")

	g.Unsubscribe(ctx, phone, "c1")
	assert.Equal(t, []string{"alice"}, typing.Snapshot("c1"))

	g.Unsubscribe(ctx, laptop, "c1")
	assert.Empty(t, typing.Snapshot("c1"))
}

// mockPresence Mock PresenceDirectory
type mockPresence struct {
	mock.Mock
}

func (m *mockPresence) SetOnline(ctx context.Context, userID string, connections int) error {
	return m.Called(ctx, userID, connections).Error(0)
}

func (m *mockPresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *mockPresence) Refresh(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func TestGatewayPresenceDirectory(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()
	presence := new(mockPresence)
	presence.On("SetOnline", mock.Anything, "alice", 1).Return(nil).Once()
	presence.On("SetOnline", mock.Anything, "alice", 0).Return(nil).Once()
	presence.On("IsOnline", mock.Anything, "carol").Return(true, nil)

	g := NewGateway(staticMembership{}, WithPresence(presence))
	c, err := g.Register(ctx, "alice", "Alice")
	require.NoError(t, err)

	assert.True(t, g.IsOnline(ctx, "alice"))
	assert.True(t, g.IsOnline(ctx, "carol"), "remote node connection")

	presence.On("Refresh", mock.Anything, "alice").Return(nil).Once()
	g.Touch(ctx, c)

	g.Disconnect(ctx, c)
	presence.AssertExpectations(t)
}

// loopRelay Relay that hands every event back to Deliver, like a single node pub/sub
type loopRelay struct {
	g         *Gateway
	published int
}

func (r *loopRelay) Publish(_ context.Context, channelID string, ev domain.Event) error {
	r.published++
	r.g.Deliver(channelID, ev)
	return nil
}

func TestGatewayPublishThroughRelay(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()
	relay := &loopRelay{}
	g := NewGateway(staticMembership{"c1": {"alice"}}, WithRelay(relay))
	relay.g = g

	c, _ := g.Register(ctx, "alice", "Alice")
	require.NoError(t, g.Subscribe(ctx, c, "c1"))
	require.NoError(t, g.Publish(ctx, "c1", domain.NewEvent(domain.EventNewMessage, "c1", domain.Message{ID: "m1"})))

	got := drain(c)
	assert.Equal(t, 2, relay.published)
	assert.Equal(t, []domain.EventName{domain.EventUserJoined, domain.EventNewMessage}, namesOf(got))
	assert.Equal(t, uint64(2), got[1].Seq)
}

// fanoutRelay every node sees every event, like redis pattern subscriptions
type fanoutRelay struct {
	nodes []*Gateway
}

func (r *fanoutRelay) Publish(_ context.Context, channelID string, ev domain.Event) error {
	for _, g := range r.nodes {
		g.Deliver(channelID, ev)
	}
	return nil
}

func TestGatewayEvictReachesOtherNodes(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()
	members := staticMembership{"c1": {"alice", "bob"}}
	relay := &fanoutRelay{}
	g1 := NewGateway(members, WithRelay(relay))
	g2 := NewGateway(members, WithRelay(relay))
	relay.nodes = []*Gateway{g1, g2}

	alice, _ := g1.Register(ctx, "alice", "Alice")
	bob, _ := g2.Register(ctx, "bob", "Bob")
	require.NoError(t, g1.Subscribe(ctx, alice, "c1"))
	require.NoError(t, g2.Subscribe(ctx, bob, "c1"))
	drain(alice)
	drain(bob)

	// bob 的連線在 node 2, 移除發生在 node 1
	assert.Equal(t, 0, g1.Evict(ctx, "c1", "bob"))
	assert.False(t, bob.IsSubscribed("c1"))
	assert.Zero(t, g2.Subscribers("c1"))

	require.NoError(t, g1.Publish(ctx, "c1", domain.NewEvent(domain.EventNewMessage, "c1", domain.Message{ID: "m1"})))
	assert.Empty(t, drain(bob))
	assert.Equal(t, []domain.EventName{domain.EventUserLeft, domain.EventNewMessage}, namesOf(drain(alice)))
}

func TestGatewayEvictionEventNeverReachesClients(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()
	g := NewGateway(staticMembership{"c1": {"alice"}})
	alice, _ := g.Register(ctx, "alice", "Alice")
	require.NoError(t, g.Subscribe(ctx, alice, "c1"))
	drain(alice)

	ev := domain.NewEvent(domain.EventMemberEvicted, "c1", domain.PresencePayload{ChannelID: "c1", UserID: "carol"})
	assert.Equal(t, 0, g.Deliver("c1", ev))
	assert.Empty(t, drain(alice))
	assert.True(t, alice.IsSubscribed("c1"))
}

func TestGatewaySubscribeRacingDisconnect(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()
	channels := []string{"c1", "c2", "c3", "c4"}
	g := NewGateway(staticMembership{"c1": {"alice"}, "c2": {"alice"}, "c3": {"alice"}, "c4": {"alice"}}, WithSendBuffer(1024))

	for i := 0; i < 200; i++ {
		c, err := g.Register(ctx, "alice", "Alice")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, id := range channels {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_ = g.Subscribe(ctx, c, id)
			}(id)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Disconnect(ctx, c)
		}()
		wg.Wait()

		assert.Empty(t, c.Channels())
	}
	// 已關閉的連線不可殘留在任何 lane
	for _, id := range channels {
		assert.Zero(t, g.Subscribers(id), id)
	}
}
