package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/chatgate/internal/types"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := hashPassword("password")
	require.NoError(t, err)
	assert.NotEqual(t, "password", hash, "expected the hash to differ from the input")

	assert.True(t, verifyPassword(hash, "password"))
	assert.False(t, verifyPassword(hash, "wrong"))
	assert.False(t, verifyPassword("not-a-hash", "password"))
}

func TestJwtSessionRoundTrip(t *testing.T) {
	app := &ChatGateApp{signingKey: []byte("test-signing-key")}

	token, err := app.createJwtForSession(types.User{Id: 7, Username: "alice"}, time.Hour)
	require.NoError(t, err)

	userId, err := app.extractUserIdFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, 7, userId)
}

func TestExtractUserIdFromToken(t *testing.T) {
	app := &ChatGateApp{signingKey: []byte("test-signing-key")}

	t.Run("expired token", func(t *testing.T) {
		token, err := app.createJwtForSession(types.User{Id: 7}, -time.Hour)
		require.NoError(t, err)

		_, err = app.extractUserIdFromToken(token)
		assert.Error(t, err, "expected an expired token to be rejected")
	})

	t.Run("token signed with a different key", func(t *testing.T) {
		other := &ChatGateApp{signingKey: []byte("other-key")}
		token, err := other.createJwtForSession(types.User{Id: 7}, time.Hour)
		require.NoError(t, err)

		_, err = app.extractUserIdFromToken(token)
		assert.Error(t, err, "expected a foreign signature to be rejected")
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := app.extractUserIdFromToken("not.a.token")
		assert.Error(t, err)
	})
}

func TestCreateJwtCookie(t *testing.T) {
	cookie := createJwtCookie("sometoken", time.Hour)

	assert.Equal(t, tokenCookieKey, cookie.Name)
	assert.Equal(t, "sometoken", cookie.Value)
	assert.Equal(t, "/", cookie.Path)
	assert.True(t, cookie.HttpOnly, "expected the cookie to be inaccessible to scripts")
	assert.WithinDuration(t, time.Now().Add(time.Hour), cookie.Expires, time.Minute)
}

func TestUserIdContext(t *testing.T) {
	ctx := WithUserId(context.Background(), 7)
	userId, ok := UserId(ctx)
	assert.True(t, ok)
	assert.Equal(t, 7, userId)

	_, ok = UserId(context.Background())
	assert.False(t, ok, "expected no user id on a bare context")
}
