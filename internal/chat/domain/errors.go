package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode wire error code sent in `error` events and REST bodies
type ErrorCode string

const (
	CodeUnauthorized      ErrorCode = "unauthorized"
	CodeNotAMember        ErrorCode = "not_a_member"
	CodeNotAuthor         ErrorCode = "not_author"
	CodeNotAuthorized     ErrorCode = "not_authorized"
	CodeBodyTooLong       ErrorCode = "body_too_long"
	CodeRateLimited       ErrorCode = "rate_limited"
	CodeChannelNotFound   ErrorCode = "channel_not_found"
	CodeMessageNotFound   ErrorCode = "message_not_found"
	CodeMessageDeleted    ErrorCode = "message_deleted"
	CodeStoreUnavailable  ErrorCode = "store_unavailable"
	CodeInvalidRequest    ErrorCode = "invalid_request"
	CodeConflict          ErrorCode = "conflict"
	CodeSlugTaken         ErrorCode = "slug_taken"
	CodeOwnerMustTransfer ErrorCode = "owner_must_transfer"
	CodeChannelArchived   ErrorCode = "channel_archived"
)

// DenyReason why the rate limiter denied a send
type DenyReason string

const (
	// DenyCooldown last accepted send is too recent
	DenyCooldown DenyReason = "cooldown"
	// DenyBurstCap window ceiling reached
	DenyBurstCap DenyReason = "burst_cap"
	// DenyFlood too many raw frames on one connection
	DenyFlood DenyReason = "flood"
)

// ChatError carries a wire code; errors.Is matches on Code only
type ChatError struct {
	Code       ErrorCode
	Message    string
	Reason     DenyReason
	RetryAfter time.Duration
	Err        error
}

func (e *ChatError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ChatError) Unwrap() error { return e.Err }

// Is match by code
func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	return ok && t.Code == e.Code
}

var (
	ErrUnauthorized      = &ChatError{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrNotAMember        = &ChatError{Code: CodeNotAMember, Message: "not a member of this channel"}
	ErrNotAuthor         = &ChatError{Code: CodeNotAuthor, Message: "only the author can do this"}
	ErrNotAuthorized     = &ChatError{Code: CodeNotAuthorized, Message: "requires channel admin or owner"}
	ErrBodyTooLong       = &ChatError{Code: CodeBodyTooLong, Message: "message body too long"}
	ErrRateLimited       = &ChatError{Code: CodeRateLimited, Message: "slow down"}
	ErrChannelNotFound   = &ChatError{Code: CodeChannelNotFound, Message: "channel not found"}
	ErrMessageNotFound   = &ChatError{Code: CodeMessageNotFound, Message: "message not found"}
	ErrMessageDeleted    = &ChatError{Code: CodeMessageDeleted, Message: "message was deleted"}
	ErrStoreUnavailable  = &ChatError{Code: CodeStoreUnavailable, Message: "temporarily unavailable"}
	ErrInvalidRequest    = &ChatError{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrConflict          = &ChatError{Code: CodeConflict, Message: "message changed concurrently"}
	ErrSlugTaken         = &ChatError{Code: CodeSlugTaken, Message: "slug already taken"}
	ErrOwnerMustTransfer = &ChatError{Code: CodeOwnerMustTransfer, Message: "owner must transfer ownership first"}
	ErrChannelArchived   = &ChatError{Code: CodeChannelArchived, Message: "channel is archived"}
)

// RateLimited build a denial carrying reason and retry hint
func RateLimited(reason DenyReason, retryAfter time.Duration) *ChatError {
	return &ChatError{Code: CodeRateLimited, Message: "slow down", Reason: reason, RetryAfter: retryAfter}
}

// StoreUnavailable wrap a collaborator failure
func StoreUnavailable(err error) *ChatError {
	return &ChatError{Code: CodeStoreUnavailable, Message: "temporarily unavailable", Err: err}
}

// Invalid build an invalid_request with detail
func Invalid(msg string) *ChatError {
	return &ChatError{Code: CodeInvalidRequest, Message: msg}
}

// AsChatError map any error to a ChatError; unknown errors become store_unavailable
func AsChatError(err error) *ChatError {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce
	}
	return StoreUnavailable(err)
}
