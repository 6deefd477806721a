package app

import (
	"context"
	"encoding/json"
	"time"

	"community_chat/internal/chat/domain"
	"community_chat/pkg/logger"
	"community_chat/pkg/middlewares"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// wsConn subset of *websocket.Conn used by the handler
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// KeepAlive websocket timing
type KeepAlive struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

// ChatWebsocketHandler 可包含所有需要的 UseCase
type ChatWebsocketHandler struct {
	gateway   *Gateway
	messageUC *MessageUseCase
	typing    *TypingTracker
	keepAlive KeepAlive
	metrics   *Metrics
}

// NewChatWebsocketHandler create ChatWebsocketHandler
func NewChatWebsocketHandler(gateway *Gateway, messageUC *MessageUseCase, typing *TypingTracker, keepAlive KeepAlive, metrics *Metrics) *ChatWebsocketHandler {
	if keepAlive.PongWait <= 0 {
		keepAlive.PongWait = 60 * time.Second
	}
	if keepAlive.PingInterval <= 0 || keepAlive.PingInterval >= keepAlive.PongWait {
		keepAlive.PingInterval = keepAlive.PongWait * 9 / 10
	}
	if keepAlive.WriteWait <= 0 {
		keepAlive.WriteWait = 10 * time.Second
	}
	return &ChatWebsocketHandler{
		gateway:   gateway,
		messageUC: messageUC,
		typing:    typing,
		keepAlive: keepAlive,
		metrics:   metrics,
	}
}

// HandleConnection 是 WebSocket 連線的進入點
func (h *ChatWebsocketHandler) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	memberID, _ := conn.Locals(middlewares.TokenMemberID).(string)
	memberName, _ := conn.Locals(middlewares.TokenMemberName).(string)
	h.Serve(ctx, conn, memberID, memberName)
}

// Serve run one connection until the client goes away or the gateway drops it
func (h *ChatWebsocketHandler) Serve(ctx context.Context, conn wsConn, memberID, memberName string) {
	c, err := h.gateway.Register(ctx, memberID, memberName)
	if err != nil {
		b, _ := json.Marshal(domain.NewErrorEvent(err, domain.WSRequest{}))
		_ = conn.SetWriteDeadline(time.Now().Add(h.keepAlive.WriteWait))
		_ = conn.WriteMessage(websocket.TextMessage, b)
		closeWebSocketConnection(conn, websocket.ClosePolicyViolation, "unauthorized")
		return
	}
	logger.Log.Info("websocket open", zap.String("userID", memberID), zap.String("conn", c.ID))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, c)
	}()

	// server發出ping之後client連線正常會回pong, 收到即延長 read deadline
	_ = conn.SetReadDeadline(time.Now().Add(h.keepAlive.PongWait))
	conn.SetPongHandler(func(string) error {
		h.gateway.Touch(ctx, c)
		return conn.SetReadDeadline(time.Now().Add(h.keepAlive.PongWait))
	})

	h.readLoop(ctx, conn, c)

	h.gateway.Disconnect(ctx, c)
	<-writerDone
	logger.Log.Info("websocket close", zap.String("userID", memberID), zap.String("conn", c.ID))
}

func (h *ChatWebsocketHandler) readLoop(ctx context.Context, conn wsConn, c *Connection) {
	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			// 檢查是否為 Close 正常結束
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Log.Debug("connection closed", zap.String("conn", c.ID), zap.Error(err))
			} else {
				//直接斷線 1006 or read deadline
				logger.Log.Debug("websocket read error", zap.String("conn", c.ID), zap.Error(err))
			}
			return
		}
		select {
		case <-c.Done():
			return
		default:
		}

		if mt != websocket.TextMessage {
			h.gateway.Send(c, domain.NewErrorEvent(domain.Invalid("only text frames are accepted"), domain.WSRequest{}))
			continue
		}
		if !c.AllowFrame() {
			h.metrics.denied(domain.DenyFlood)
			h.gateway.Send(c, domain.NewErrorEvent(domain.RateLimited(domain.DenyFlood, time.Second), domain.WSRequest{}))
			continue
		}
		h.dispatch(ctx, c, message)
	}
}

// writeLoop 唯一的寫入者: outbound queue + ping
func (h *ChatWebsocketHandler) writeLoop(conn wsConn, c *Connection) {
	ticker := time.NewTicker(h.keepAlive.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.Outbound():
			b, err := json.Marshal(ev)
			if err != nil {
				logger.Log.Error("marshal event failed", zap.String("event", string(ev.Name)), zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.keepAlive.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				logger.Log.Debug("write message error", zap.String("conn", c.ID), zap.Error(err))
				h.gateway.Disconnect(context.Background(), c)
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(h.keepAlive.WriteWait)); err != nil {
				logger.Log.Debug("ping error", zap.String("conn", c.ID), zap.Error(err))
				h.gateway.Disconnect(context.Background(), c)
				_ = conn.Close()
				return
			}
		case <-c.Done():
			closeWebSocketConnection(conn, websocket.CloseNormalClosure, "connection closed by server")
			return
		}
	}
}

func (h *ChatWebsocketHandler) dispatch(ctx context.Context, c *Connection, raw []byte) {
	var req domain.WSRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.gateway.Send(c, domain.NewErrorEvent(domain.Invalid("malformed request"), req))
		return
	}

	ack := domain.AckPayload{Action: req.Action, ChannelID: req.ChannelID, MessageID: req.MessageID, ClientID: req.Metadata.ClientID}
	var err error
	switch req.Action {
	//訂閱頻道
	case domain.JoinChannel:
		err = h.gateway.Subscribe(ctx, c, req.ChannelID)

	//取消訂閱
	case domain.LeaveChannel:
		h.gateway.Unsubscribe(ctx, c, req.ChannelID)

	//傳送訊息, 寫入 db 後 fan-out 給頻道內所有訂閱者
	case domain.SendMessage:
		var msg *domain.Message
		msg, err = h.messageUC.Send(ctx, SendInput{
			ChannelID:  req.ChannelID,
			AuthorID:   c.UserID,
			AuthorName: c.UserName,
			Body:       req.Content,
			Kind:       req.Type,
			Metadata:   req.Metadata,
		})
		if err == nil {
			ack.MessageID = msg.ID
			ack.Message = msg
		}

	case domain.TypingStart:
		if !c.IsSubscribed(req.ChannelID) {
			err = domain.ErrNotAMember
			break
		}
		h.typing.StartTyping(ctx, req.ChannelID, c.UserID, c.UserName)
		return

	case domain.TypingStop:
		h.typing.StopTyping(ctx, req.ChannelID, c.UserID)
		return

	case domain.EditMessage:
		ack.Message, err = h.messageUC.Edit(ctx, req.MessageID, c.UserID, req.Content, req.IfBody)

	case domain.DeleteMessage:
		ack.Message, err = h.messageUC.SoftDelete(ctx, req.MessageID, c.UserID)

	case domain.PinMessage:
		ack.Message, err = h.messageUC.Pin(ctx, req.MessageID, c.UserID)

	case domain.UnpinMessage:
		ack.Message, err = h.messageUC.Unpin(ctx, req.MessageID, c.UserID)

	case domain.ReactMessage:
		ack.Message, _, err = h.messageUC.React(ctx, req.MessageID, c.UserID, req.Emoji)

	default:
		err = domain.Invalid("unknown action")
	}

	if err != nil {
		logger.Log.Debug("websocket action failed", zap.String("MemberID", c.UserID), zap.String("Action", string(req.Action)), zap.Error(err))
		h.gateway.Send(c, domain.NewErrorEvent(err, req))
		return
	}
	if ack.Message != nil && ack.ChannelID == "" {
		ack.ChannelID = ack.Message.ChannelID
	}
	ev := domain.NewEvent(domain.EventAck, ack.ChannelID, ack)
	ev.RequestID = req.RequestID
	h.gateway.Send(c, ev)
}

func closeWebSocketConnection(conn wsConn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = conn.Close()
}
