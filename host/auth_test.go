package host

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdraw/collab/collab"
)

func TestAuthenticatorLogin(t *testing.T) {
	auth := NewAuthenticator([]byte("secret"), time.Hour)
	auth.AddUser("u1", "admin", "pw", "admin")

	identity, err := auth.Login("admin", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.Id)
	assert.Equal(t, "admin", identity.Username)
	assert.Equal(t, "admin", identity.Role)

	_, err = auth.Login("admin", "wrong")
	assert.Error(t, err)
	_, err = auth.Login("nobody", "pw")
	assert.Error(t, err)
}

func TestAuthenticatorTokenRoundTrip(t *testing.T) {
	auth := NewAuthenticator([]byte("secret"), time.Hour)

	identity := &collab.Identity{Id: "u1", Username: "admin", Role: "admin"}
	token, expiresAt, err := auth.IssueToken(identity)
	require.NoError(t, err)
	assert.Greater(t, expiresAt, time.Now().UnixMilli())

	verified, err := auth.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, identity, verified)

	// the same token parses client-side without the key
	claims, err := collab.ParseTokenUnverified(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserId)
	assert.Equal(t, expiresAt/1000*1000, claims.ExpiresAt)
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	auth := NewAuthenticator([]byte("secret"), time.Hour)
	other := NewAuthenticator([]byte("other-secret"), time.Hour)

	token, _, err := other.IssueToken(&collab.Identity{Id: "u1", Username: "admin"})
	require.NoError(t, err)
	_, err = auth.VerifyToken(token)
	assert.Error(t, err)

	_, err = auth.VerifyToken("garbage")
	assert.Error(t, err)

	expired := NewAuthenticator([]byte("secret"), -time.Hour)
	token, _, err = expired.IssueToken(&collab.Identity{Id: "u1", Username: "admin"})
	require.NoError(t, err)
	_, err = auth.VerifyToken(token)
	assert.Error(t, err)
}
