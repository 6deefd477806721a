package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"community_chat/internal/chat/domain"
	errprocess "community_chat/pkg/err"
	"community_chat/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected no live websocket
var ErrNotConnected = errors.New("chat client not connected")

// Config chat client setting
type Config struct {
	BaseURL    string // http(s)://host:port
	Token      string
	UserID     string
	Tolerance  time.Duration
	AckTimeout time.Duration
	Dialer     *websocket.Dialer

	// Visible reports whether channelID is currently on screen; nil means never
	Visible  func(channelID string) bool
	OnNotify func(domain.Notification)
	OnEvent  func(domain.Event)
}

// Client websocket chat client keeping one reconciled Timeline per joined channel
type Client struct {
	cfg Config
	now func() time.Time

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn

	timelines map[string]*Timeline
	channels  map[string]*domain.Channel
	joined    map[string]struct{}
	muted     map[string]bool
}

// New create Client; call Connect before Join/Send
func New(cfg Config) *Client {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:       cfg,
		now:       time.Now,
		timelines: map[string]*Timeline{},
		channels:  map[string]*domain.Channel{},
		joined:    map[string]struct{}{},
		muted:     map[string]bool{},
	}
}

func (c *Client) wsURL() string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws?auth=" + url.QueryEscape(c.cfg.Token)
}

// Connect dial the websocket
func (c *Client) Connect(ctx context.Context) error {
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return errprocess.Wrap("dial chat websocket", err)
	}
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Timeline of channelID, created on first use
func (c *Client) Timeline(channelID string) *Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timelineLocked(channelID)
}

func (c *Client) timelineLocked(channelID string) *Timeline {
	tl, ok := c.timelines[channelID]
	if !ok {
		tl = NewTimeline(c.cfg.UserID, c.cfg.Tolerance, c.cfg.AckTimeout)
		c.timelines[channelID] = tl
	}
	return tl
}

// Join load the channel, subscribe and merge its latest history
func (c *Client) Join(ctx context.Context, channelID string) error {
	var ch domain.Channel
	if err := c.getJSON("/channels/"+url.PathEscape(channelID), &ch); err != nil {
		return err
	}
	c.mu.Lock()
	c.channels[channelID] = &ch
	c.joined[channelID] = struct{}{}
	c.mu.Unlock()

	if err := c.write(domain.WSRequest{Action: domain.JoinChannel, ChannelID: channelID}); err != nil {
		return err
	}
	_, err := c.Refresh(ctx, channelID)
	return err
}

// Leave unsubscribe channelID; the timeline is kept
func (c *Client) Leave(channelID string) error {
	c.mu.Lock()
	delete(c.joined, channelID)
	c.mu.Unlock()
	return c.write(domain.WSRequest{Action: domain.LeaveChannel, ChannelID: channelID})
}

// Send render an optimistic echo and send it; a write failure marks the echo failed
func (c *Client) Send(channelID, body string) Entry {
	tl := c.Timeline(channelID)
	echo := tl.Submit(channelID, body, c.now())
	err := c.write(domain.WSRequest{
		Action:    domain.SendMessage,
		RequestID: echo.Message.ClientID,
		ChannelID: channelID,
		Content:   body,
		Type:      domain.MessageText,
		Metadata:  domain.SendMetadata{ClientID: echo.Message.ClientID},
	})
	if err != nil {
		tl.Fail(echo.Message.ClientID, err)
		echo.State = StateFailed
		echo.Err = err
	}
	return echo
}

// Retry resend a failed echo under a fresh client id
func (c *Client) Retry(channelID, clientID string) (Entry, bool) {
	tl := c.Timeline(channelID)
	for _, e := range tl.Entries() {
		if e.State == StateFailed && e.Message.ClientID == clientID {
			tl.Discard(clientID)
			return c.Send(channelID, e.Message.Body), true
		}
	}
	return Entry{}, false
}

// StartTyping send typing-start
func (c *Client) StartTyping(channelID string) error {
	return c.write(domain.WSRequest{Action: domain.TypingStart, ChannelID: channelID})
}

// StopTyping send typing-stop
func (c *Client) StopTyping(channelID string) error {
	return c.write(domain.WSRequest{Action: domain.TypingStop, ChannelID: channelID})
}

// ExpirePending fail echoes older than the ack timeout across all timelines
func (c *Client) ExpirePending() int {
	c.mu.Lock()
	tls := make([]*Timeline, 0, len(c.timelines))
	for _, tl := range c.timelines {
		tls = append(tls, tl)
	}
	c.mu.Unlock()

	n := 0
	now := c.now()
	for _, tl := range tls {
		n += len(tl.Expire(now))
	}
	return n
}

// Run read events until the connection closes or ctx ends
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var ev domain.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Log.Warn("chat client: malformed event", zap.Error(err))
			continue
		}
		c.handle(ev)
	}
}

func (c *Client) handle(ev domain.Event) {
	switch ev.Name {
	case domain.EventNewMessage:
		var msg domain.Message
		if err := ev.Decode(&msg); err == nil {
			c.Timeline(msg.ChannelID).Apply(msg)
			c.maybeNotify(&msg)
		}

	case domain.EventAck:
		var ack domain.AckPayload
		if err := ev.Decode(&ack); err == nil && ack.Message != nil {
			msg := *ack.Message
			if ack.Action == domain.SendMessage {
				if msg.ClientID == "" {
					msg.ClientID = ack.ClientID
				}
				c.Timeline(msg.ChannelID).Apply(msg)
			} else {
				c.Timeline(msg.ChannelID).Update(msg)
			}
		}

	case domain.EventError:
		var p domain.ErrorPayload
		if err := ev.Decode(&p); err == nil && p.ClientID != "" {
			c.Timeline(ev.ChannelID).Fail(p.ClientID, &domain.ChatError{
				Code:       p.Code,
				Message:    p.Message,
				Reason:     p.Reason,
				RetryAfter: time.Duration(p.RetryAfter) * time.Millisecond,
			})
		}

	case domain.EventMessageEdited, domain.EventMessageDeleted, domain.EventMessagePinned, domain.EventMessageUnpinned:
		var msg domain.Message
		if err := ev.Decode(&msg); err == nil {
			c.Timeline(msg.ChannelID).Update(msg)
		}

	case domain.EventMessageReaction:
		var p domain.ReactionPayload
		if err := ev.Decode(&p); err == nil {
			c.Timeline(ev.ChannelID).SetReactions(p.MessageID, p.Reactions)
		}
	}

	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

func (c *Client) maybeNotify(msg *domain.Message) {
	if c.cfg.OnNotify == nil {
		return
	}
	c.mu.Lock()
	ch := c.channels[msg.ChannelID]
	muted := c.muted[msg.ChannelID]
	c.mu.Unlock()

	visible := c.cfg.Visible != nil && c.cfg.Visible(msg.ChannelID)
	if n, ok := domain.ShouldNotify(ch, msg, c.cfg.UserID, muted, visible); ok {
		c.cfg.OnNotify(n)
	}
}

// Reconnect redial, resubscribe every joined channel and merge history fetched over REST
func (c *Client) Reconnect(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	logger.Log.Info("chat client reconnected", zap.String("user", c.cfg.UserID))
	c.mu.Lock()
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.write(domain.WSRequest{Action: domain.JoinChannel, ChannelID: id}); err != nil {
			return err
		}
		if _, err := c.Refresh(ctx, id); err != nil {
			return errprocess.Wrap("refetch history of "+id, err)
		}
	}
	return nil
}

// Refresh fetch the newest history page of channelID and merge it; returns the number of new rows
func (c *Client) Refresh(ctx context.Context, channelID string) (int, error) {
	page, err := c.FetchHistory(ctx, channelID, 0, 0)
	if err != nil {
		return 0, err
	}
	return c.Timeline(channelID).Merge(page.Messages), nil
}

// FetchHistory GET /channels/:id/messages
func (c *Client) FetchHistory(_ context.Context, channelID string, before int64, limit int) (domain.HistoryPage, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page domain.HistoryPage
	err := c.getJSON(path, &page)
	return page, err
}

// SetMuted mute or unmute channelID on the server and in the local cache
func (c *Client) SetMuted(channelID string, muted bool) error {
	path := c.cfg.BaseURL + "/channels/" + url.PathEscape(channelID) + "/mute"
	var a *fiber.Agent
	if muted {
		a = fiber.Put(path)
	} else {
		a = fiber.Delete(path)
	}
	a.Set(fiber.HeaderAuthorization, "Bearer "+c.cfg.Token)
	code, body, errs := a.Bytes()
	if err := agentErr(code, body, errs); err != nil {
		return err
	}

	c.mu.Lock()
	c.muted[channelID] = muted
	c.mu.Unlock()
	return nil
}

// Close drop the websocket
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) write(req domain.WSRequest) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) getJSON(path string, v interface{}) error {
	a := fiber.Get(c.cfg.BaseURL + path)
	a.Set(fiber.HeaderAuthorization, "Bearer "+c.cfg.Token)
	code, body, errs := a.Bytes()
	if err := agentErr(code, body, errs); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// agentErr turn a fiber client result into an error carrying the server's code
func agentErr(code int, body []byte, errs []error) error {
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if code >= http.StatusBadRequest {
		var p struct {
			Code  domain.ErrorCode `json:"code"`
			Error string           `json:"error"`
		}
		_ = json.Unmarshal(body, &p)
		return &domain.ChatError{Code: p.Code, Message: fmt.Sprintf("%s (status %d)", p.Error, code)}
	}
	return nil
}
