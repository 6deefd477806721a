package app

import (
	"errors"
	"strconv"

	"community_chat/internal/chat/domain"
	"community_chat/pkg/middlewares"

	"github.com/gofiber/fiber/v2"
)

// ChatHTTPHandler REST surface of the channel registry, history and mutes
type ChatHTTPHandler struct {
	channelUC *ChannelUseCase
	messageUC *MessageUseCase
	notifyUC  *NotifyUseCase
}

// NewChatHTTPHandler create ChatHTTPHandler
func NewChatHTTPHandler(channelUC *ChannelUseCase, messageUC *MessageUseCase, notifyUC *NotifyUseCase) *ChatHTTPHandler {
	return &ChatHTTPHandler{
		channelUC: channelUC,
		messageUC: messageUC,
		notifyUC:  notifyUC,
	}
}

// CreateChannelRequest body of POST /channels
type CreateChannelRequest struct {
	Name    string             `json:"name"`
	Kind    domain.ChannelKind `json:"kind"`
	Members []string           `json:"members"`
}

// UserRequest body carrying a target user
type UserRequest struct {
	UserID string            `json:"user_id"`
	Role   domain.MemberRole `json:"role,omitempty"`
}

// UploadRequest body of POST /channels/:id/attachments
type UploadRequest struct {
	FileName string `json:"file_name"`
}

// ListChannels GET /channels
func (h *ChatHTTPHandler) ListChannels(c *fiber.Ctx) error {
	list, err := h.channelUC.ListForUser(c.UserContext(), middlewares.MemberID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"channels": list})
}

// CreateChannel POST /channels
func (h *ChatHTTPHandler) CreateChannel(c *fiber.Ctx) error {
	var req CreateChannelRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, domain.Invalid("malformed body"))
	}
	ch, err := h.channelUC.CreateChannel(c.UserContext(), middlewares.MemberID(c), req.Name, req.Kind, req.Members)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ch)
}

// OpenDirect POST /channels/direct
func (h *ChatHTTPHandler) OpenDirect(c *fiber.Ctx) error {
	var req UserRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, domain.Invalid("malformed body"))
	}
	ch, created, err := h.channelUC.OpenDirect(c.UserContext(), middlewares.MemberID(c), req.UserID)
	if err != nil {
		return writeError(c, err)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(ch)
}

// GetChannel GET /channels/:id
func (h *ChatHTTPHandler) GetChannel(c *fiber.Ctx) error {
	ch, err := h.channelUC.Get(c.UserContext(), c.Params("id"), middlewares.MemberID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(ch)
}

// AddMember POST /channels/:id/members; without user_id (or with the caller's id) it is a self join
func (h *ChatHTTPHandler) AddMember(c *fiber.Ctx) error {
	var req UserRequest
	_ = c.BodyParser(&req)
	me := middlewares.MemberID(c)

	var (
		ch  *domain.Channel
		err error
	)
	if req.UserID == "" || req.UserID == me {
		ch, err = h.channelUC.Join(c.UserContext(), c.Params("id"), me)
	} else {
		ch, err = h.channelUC.AddMember(c.UserContext(), c.Params("id"), me, req.UserID)
	}
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(ch)
}

// RemoveMember DELETE /channels/:id/members/:user; removing yourself is leave
func (h *ChatHTTPHandler) RemoveMember(c *fiber.Ctx) error {
	me := middlewares.MemberID(c)
	target := c.Params("user")
	var err error
	if target == me {
		err = h.channelUC.Leave(c.UserContext(), c.Params("id"), me)
	} else {
		err = h.channelUC.RemoveMember(c.UserContext(), c.Params("id"), me, target)
	}
	if err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SetRole PUT /channels/:id/members/:user/role
func (h *ChatHTTPHandler) SetRole(c *fiber.Ctx) error {
	var req UserRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, domain.Invalid("malformed body"))
	}
	if err := h.channelUC.SetRole(c.UserContext(), c.Params("id"), middlewares.MemberID(c), c.Params("user"), req.Role); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// TransferOwnership POST /channels/:id/owner
func (h *ChatHTTPHandler) TransferOwnership(c *fiber.Ctx) error {
	var req UserRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, domain.Invalid("malformed body"))
	}
	if err := h.channelUC.TransferOwnership(c.UserContext(), c.Params("id"), middlewares.MemberID(c), req.UserID); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Archive POST /channels/:id/archive
func (h *ChatHTTPHandler) Archive(c *fiber.Ctx) error {
	if err := h.channelUC.Archive(c.UserContext(), c.Params("id"), middlewares.MemberID(c)); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// History GET /channels/:id/messages?before=&limit=
func (h *ChatHTTPHandler) History(c *fiber.Ctx) error {
	before, err := queryInt(c, "before")
	if err != nil {
		return writeError(c, err)
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return writeError(c, err)
	}
	page, err := h.messageUC.History(c.UserContext(), c.Params("id"), middlewares.MemberID(c), before, int(limit))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(page)
}

// Pins GET /channels/:id/pins
func (h *ChatHTTPHandler) Pins(c *fiber.Ctx) error {
	msgs, err := h.messageUC.Pinned(c.UserContext(), c.Params("id"), middlewares.MemberID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

// PresignUpload POST /channels/:id/attachments
func (h *ChatHTTPHandler) PresignUpload(c *fiber.Ctx) error {
	var req UploadRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, domain.Invalid("malformed body"))
	}
	key, url, err := h.messageUC.PresignUpload(c.UserContext(), c.Params("id"), middlewares.MemberID(c), req.FileName)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"object_key": key, "upload_url": url})
}

// Mute PUT /channels/:id/mute
func (h *ChatHTTPHandler) Mute(c *fiber.Ctx) error {
	return h.setMuted(c, true)
}

// Unmute DELETE /channels/:id/mute
func (h *ChatHTTPHandler) Unmute(c *fiber.Ctx) error {
	return h.setMuted(c, false)
}

func (h *ChatHTTPHandler) setMuted(c *fiber.Ctx, muted bool) error {
	if err := h.notifyUC.SetMuted(c.UserContext(), middlewares.MemberID(c), c.Params("id"), muted); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"channel_id": c.Params("id"), "muted": muted})
}

// ListMutes GET /me/mutes
func (h *ChatHTTPHandler) ListMutes(c *fiber.Ctx) error {
	ids, err := h.notifyUC.ListMuted(c.UserContext(), middlewares.MemberID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"channel_ids": ids})
}

func queryInt(c *fiber.Ctx, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, domain.Invalid(key + " must be a non-negative integer")
	}
	return v, nil
}

// HTTPStatus map a domain error code to a status code
func HTTPStatus(code domain.ErrorCode) int {
	switch code {
	case domain.CodeUnauthorized:
		return fiber.StatusUnauthorized
	case domain.CodeNotAMember, domain.CodeNotAuthor, domain.CodeNotAuthorized:
		return fiber.StatusForbidden
	case domain.CodeChannelNotFound, domain.CodeMessageNotFound:
		return fiber.StatusNotFound
	case domain.CodeBodyTooLong:
		return fiber.StatusRequestEntityTooLarge
	case domain.CodeRateLimited:
		return fiber.StatusTooManyRequests
	case domain.CodeConflict, domain.CodeSlugTaken, domain.CodeOwnerMustTransfer, domain.CodeMessageDeleted, domain.CodeChannelArchived:
		return fiber.StatusConflict
	case domain.CodeInvalidRequest:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusServiceUnavailable
	}
}

func writeError(c *fiber.Ctx, err error) error {
	var ce *domain.ChatError
	if !errors.As(err, &ce) {
		ce = domain.StoreUnavailable(err)
	}
	body := fiber.Map{"code": ce.Code, "error": ce.Message}
	if ce.Reason != "" {
		body["reason"] = ce.Reason
	}
	if ce.RetryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(ce.RetryAfter.Seconds())+1))
	}
	return c.Status(HTTPStatus(ce.Code)).JSON(body)
}
