package app

import (
	"context"
	"sort"
	"sync"

	"community_chat/internal/chat/domain"
	"community_chat/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MembershipChecker answers whether a user may subscribe to a channel
type MembershipChecker interface {
	IsMember(ctx context.Context, channelID, userID string) (bool, error)
}

// Relay cross-node fan-out; every node (including the sender) must Deliver what it receives
type Relay interface {
	Publish(ctx context.Context, channelID string, ev domain.Event) error
}

// PresenceDirectory cross-node online lookup
type PresenceDirectory interface {
	SetOnline(ctx context.Context, userID string, connections int) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	Refresh(ctx context.Context, userID string) error
}

// Connection one authenticated websocket, owned by the gateway
type Connection struct {
	ID       string
	UserID   string
	UserName string

	send      chan domain.Event
	done      chan struct{}
	closeOnce sync.Once
	frames    *rate.Limiter

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
}

// Outbound FIFO queue drained by the connection writer
func (c *Connection) Outbound() <-chan domain.Event { return c.send }

// Done closed once the gateway dropped the connection
func (c *Connection) Done() <-chan struct{} { return c.done }

// AllowFrame inbound flood guard, one token per client frame
func (c *Connection) AllowFrame() bool { return c.frames.Allow() }

// Channels currently subscribed channel ids, sorted
func (c *Connection) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for id := range c.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsSubscribed report whether the connection holds channelID
func (c *Connection) IsSubscribed(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channelID]
	return ok
}

// enqueue non-blocking; false when closed or the queue is full
func (c *Connection) enqueue(ev domain.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// lane per channel subscriber set; its mutex orders every delivery into the channel
type lane struct {
	mu   sync.Mutex
	subs map[string]*Connection
	seq  uint64
}

// GatewayOption optional Gateway setting
type GatewayOption func(*Gateway)

// WithRelay route Publish through a cross-node relay
func WithRelay(r Relay) GatewayOption { return func(g *Gateway) { g.relay = r } }

// WithPresence mirror online state into a shared directory
func WithPresence(p PresenceDirectory) GatewayOption { return func(g *Gateway) { g.presence = p } }

// WithMetrics record gateway metrics
func WithMetrics(m *Metrics) GatewayOption { return func(g *Gateway) { g.metrics = m } }

// WithSendBuffer per connection outbound queue size
func WithSendBuffer(n int) GatewayOption { return func(g *Gateway) { g.sendBuffer = n } }

// WithFrameLimit per connection inbound token bucket
func WithFrameLimit(rps float64, burst int) GatewayOption {
	return func(g *Gateway) { g.frameRPS, g.frameBurst = rps, burst }
}

// Gateway connection table and channel subscriber index
type Gateway struct {
	members  MembershipChecker
	relay    Relay
	presence PresenceDirectory
	typing   *TypingTracker
	metrics  *Metrics

	sendBuffer int
	frameRPS   float64
	frameBurst int

	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection
	lanes  map[string]*lane
}

// NewGateway create Gateway
func NewGateway(members MembershipChecker, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		members:    members,
		sendBuffer: 256,
		frameRPS:   20,
		frameBurst: 40,
		conns:      map[string]*Connection{},
		byUser:     map[string]map[string]*Connection{},
		lanes:      map[string]*lane{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetTypingTracker typing state is cleared on unsubscribe and disconnect
func (g *Gateway) SetTypingTracker(t *TypingTracker) {
	g.typing = t
}

// Register create a connection for an authenticated user; no state is created on error
func (g *Gateway) Register(ctx context.Context, userID, userName string) (*Connection, error) {
	if userID == "" {
		return nil, domain.ErrUnauthorized
	}
	c := &Connection{
		ID:       uuid.NewString(),
		UserID:   userID,
		UserName: userName,
		send:     make(chan domain.Event, g.sendBuffer),
		done:     make(chan struct{}),
		frames:   rate.NewLimiter(rate.Limit(g.frameRPS), g.frameBurst),
		channels: map[string]struct{}{},
	}

	g.mu.Lock()
	g.conns[c.ID] = c
	if g.byUser[userID] == nil {
		g.byUser[userID] = map[string]*Connection{}
	}
	g.byUser[userID][c.ID] = c
	count := len(g.byUser[userID])
	g.mu.Unlock()

	g.metrics.connOpened()
	g.syncPresence(ctx, userID, count)
	logger.Log.Debug("connection registered", zap.String("conn", c.ID), zap.String("user", userID))
	return c, nil
}

func (g *Gateway) lane(channelID string, create bool) *lane {
	g.mu.RLock()
	l, ok := g.lanes[channelID]
	g.mu.RUnlock()
	if ok || !create {
		return l
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok = g.lanes[channelID]; !ok {
		l = &lane{subs: map[string]*Connection{}}
		g.lanes[channelID] = l
	}
	return l
}

// Subscribe add conn to channelID after a membership check; idempotent
func (g *Gateway) Subscribe(ctx context.Context, c *Connection, channelID string) error {
	ok, err := g.members.IsMember(ctx, channelID, c.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotAMember
	}

	// 固定順序 c.mu -> l.mu, Disconnect 不會看到只寫了一半的訂閱
	l := g.lane(channelID, true)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrUnauthorized
	}
	if _, already := c.channels[channelID]; already {
		c.mu.Unlock()
		return nil
	}
	c.channels[channelID] = struct{}{}
	l.mu.Lock()
	l.subs[c.ID] = c
	l.mu.Unlock()
	c.mu.Unlock()
	g.metrics.subscribed(1)

	g.broadcastPresence(ctx, domain.EventUserJoined, channelID, c)
	return nil
}

// Unsubscribe remove conn from channelID; reports whether it was subscribed
func (g *Gateway) Unsubscribe(ctx context.Context, c *Connection, channelID string) bool {
	c.mu.Lock()
	_, ok := c.channels[channelID]
	delete(c.channels, channelID)
	c.mu.Unlock()

	if !g.removeFromLane(channelID, c) && !ok {
		return false
	}
	g.afterLeave(ctx, channelID, c)
	return true
}

func (g *Gateway) removeFromLane(channelID string, c *Connection) bool {
	l := g.lane(channelID, false)
	if l == nil {
		return false
	}
	l.mu.Lock()
	_, ok := l.subs[c.ID]
	delete(l.subs, c.ID)
	l.mu.Unlock()
	if ok {
		g.metrics.subscribed(-1)
	}
	return ok
}

func (g *Gateway) afterLeave(ctx context.Context, channelID string, c *Connection) {
	if g.typing != nil && !g.userSubscribed(c.UserID, channelID) {
		g.typing.StopTyping(ctx, channelID, c.UserID)
	}
	g.broadcastPresence(ctx, domain.EventUserLeft, channelID, c)
}

// userSubscribed another live connection of userID still holds channelID
func (g *Gateway) userSubscribed(userID, channelID string) bool {
	g.mu.RLock()
	conns := make([]*Connection, 0, len(g.byUser[userID]))
	for _, c := range g.byUser[userID] {
		conns = append(conns, c)
	}
	g.mu.RUnlock()
	for _, c := range conns {
		if c.IsSubscribed(channelID) {
			return true
		}
	}
	return false
}

// Publish fan-out through the relay, or locally when none is configured.
// Zero subscribers is a no-op.
func (g *Gateway) Publish(ctx context.Context, channelID string, ev domain.Event) error {
	ev.ChannelID = channelID
	if g.relay != nil {
		return g.relay.Publish(ctx, channelID, ev)
	}
	g.Deliver(channelID, ev)
	return nil
}

// Deliver enqueue ev on every connection subscribed to channelID at this instant.
// Connections whose queue is full are dropped.
func (g *Gateway) Deliver(channelID string, ev domain.Event) int {
	if ev.Name == domain.EventMemberEvicted {
		var p domain.PresencePayload
		if err := ev.Decode(&p); err == nil && p.UserID != "" {
			g.evictLocal(context.Background(), channelID, p.UserID)
		}
		return 0
	}

	l := g.lane(channelID, false)
	if l == nil {
		return 0
	}

	var slow []*Connection
	delivered := 0
	l.mu.Lock()
	l.seq++
	ev.ChannelID = channelID
	ev.Seq = l.seq
	for _, c := range l.subs {
		if c.enqueue(ev) {
			delivered++
		} else {
			slow = append(slow, c)
		}
	}
	l.mu.Unlock()

	g.metrics.deliveredN(delivered)
	for _, c := range slow {
		g.metrics.slowConsumer()
		logger.Log.Warn("dropping slow consumer", zap.String("conn", c.ID), zap.String("user", c.UserID), zap.String("channel", channelID))
		g.Disconnect(context.Background(), c)
	}
	return delivered
}

// Send enqueue ev for one connection only (acks, errors)
func (g *Gateway) Send(c *Connection, ev domain.Event) bool {
	if c.enqueue(ev) {
		return true
	}
	select {
	case <-c.done:
	default:
		g.metrics.slowConsumer()
		g.Disconnect(context.Background(), c)
	}
	return false
}

// Disconnect drop conn from every channel and the connection table; idempotent
func (g *Gateway) Disconnect(ctx context.Context, c *Connection) {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	c.closed = true
	channels := make([]string, 0, len(c.channels))
	for id := range c.channels {
		channels = append(channels, id)
	}
	c.channels = map[string]struct{}{}
	c.mu.Unlock()

	g.mu.Lock()
	_, registered := g.conns[c.ID]
	delete(g.conns, c.ID)
	count := 0
	if set, ok := g.byUser[c.UserID]; ok {
		delete(set, c.ID)
		count = len(set)
		if count == 0 {
			delete(g.byUser, c.UserID)
		}
	}
	g.mu.Unlock()

	for _, channelID := range channels {
		if g.removeFromLane(channelID, c) {
			g.afterLeave(ctx, channelID, c)
		}
	}

	if registered {
		g.metrics.connClosed()
		g.syncPresence(ctx, c.UserID, count)
		logger.Log.Debug("connection closed", zap.String("conn", c.ID), zap.String("user", c.UserID))
	}
}

// DisconnectAll drop every connection of userID
func (g *Gateway) DisconnectAll(ctx context.Context, userID string) int {
	conns := g.connectionsOf(userID)
	for _, c := range conns {
		g.Disconnect(ctx, c)
	}
	return len(conns)
}

// Evict force unsubscribe every connection of userID from channelID (membership removed).
// With a relay the eviction is also sent to every other node.
func (g *Gateway) Evict(ctx context.Context, channelID, userID string) int {
	n := g.evictLocal(ctx, channelID, userID)
	if g.relay != nil {
		ev := domain.NewEvent(domain.EventMemberEvicted, channelID, domain.PresencePayload{ChannelID: channelID, UserID: userID})
		if err := g.relay.Publish(ctx, channelID, ev); err != nil {
			logger.Log.Error("relay eviction failed", zap.String("channel", channelID), zap.String("user", userID), zap.Error(err))
		}
	}
	return n
}

func (g *Gateway) evictLocal(ctx context.Context, channelID, userID string) int {
	n := 0
	for _, c := range g.connectionsOf(userID) {
		if g.Unsubscribe(ctx, c, channelID) {
			n++
		}
	}
	return n
}

func (g *Gateway) connectionsOf(userID string) []*Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Connection, 0, len(g.byUser[userID]))
	for _, c := range g.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// IsOnline local table first, then the shared directory
func (g *Gateway) IsOnline(ctx context.Context, userID string) bool {
	g.mu.RLock()
	local := len(g.byUser[userID]) > 0
	g.mu.RUnlock()
	if local || g.presence == nil {
		return local
	}
	online, err := g.presence.IsOnline(ctx, userID)
	if err != nil {
		logger.Log.Warn("presence lookup failed", zap.String("user", userID), zap.Error(err))
		return false
	}
	return online
}

// Touch keep c's user listed in the shared directory; called on every pong
func (g *Gateway) Touch(ctx context.Context, c *Connection) {
	if g.presence == nil {
		return
	}
	if err := g.presence.Refresh(ctx, c.UserID); err != nil {
		logger.Log.Debug("presence refresh failed", zap.String("user", c.UserID), zap.Error(err))
	}
}

// Subscribers number of local connections subscribed to channelID
func (g *Gateway) Subscribers(channelID string) int {
	l := g.lane(channelID, false)
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// ConnectionCount live connections on this node
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Shutdown drop every connection
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.RLock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()
	for _, c := range conns {
		g.Disconnect(ctx, c)
	}
}

func (g *Gateway) broadcastPresence(ctx context.Context, name domain.EventName, channelID string, c *Connection) {
	ev := domain.NewEvent(name, channelID, domain.PresencePayload{
		ChannelID:    channelID,
		UserID:       c.UserID,
		UserName:     c.UserName,
		ConnectionID: c.ID,
	})
	if err := g.Publish(ctx, channelID, ev); err != nil {
		logger.Log.Warn("presence broadcast failed", zap.String("channel", channelID), zap.Error(err))
	}
}

func (g *Gateway) syncPresence(ctx context.Context, userID string, count int) {
	if g.presence == nil {
		return
	}
	if err := g.presence.SetOnline(ctx, userID, count); err != nil {
		logger.Log.Warn("presence update failed", zap.String("user", userID), zap.Error(err))
	}
}
