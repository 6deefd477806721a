package token

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseJWT(t *testing.T) {
	tk, err := GenerateJWT("user-1", "Alice", string(RoleMember), "chat_service")
	require.NoError(t, err)

	claims, err := ParseJWT(tk)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.MemberID)
	assert.Equal(t, "Alice", claims.Name)
	assert.Equal(t, "member", claims.Role)
}

func TestParseJWTRejectsForeignSecret(t *testing.T) {
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{MemberID: "user-1"})
	tk, err := other.SignedString([]byte("another-secret"))
	require.NoError(t, err)

	_, err = ParseJWT(tk)
	assert.Error(t, err)
}

func TestParseJWTRequiresMemberID(t *testing.T) {
	tk, err := GenerateJWT("", "", string(RoleMember), "chat_service")
	require.NoError(t, err)

	_, err = ParseJWT(tk)
	assert.Error(t, err)
}
