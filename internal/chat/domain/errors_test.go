package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChatErrorIsMatchesCode(t *testing.T) {
	err := RateLimited(DenyBurstCap, time.Second)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.False(t, errors.Is(err, ErrNotAMember))

	wrapped := fmt.Errorf("send: %w", err)
	assert.True(t, errors.Is(wrapped, ErrRateLimited))
	assert.Equal(t, DenyBurstCap, AsChatError(wrapped).Reason)
}

func TestStoreUnavailableUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := StoreUnavailable(cause)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAsChatErrorUnknown(t *testing.T) {
	ce := AsChatError(errors.New("boom"))
	assert.Equal(t, CodeStoreUnavailable, ce.Code)
}
