package collab

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the subset of the host's bearer-token claims the client
// cares about. The client never verifies the signature; only the host holds
// the key. Claims are used for display and for expiry-driven refresh.
type TokenClaims struct {
	UserId    string
	Username  string
	Role      string
	ExpiresAt int64
}

func ParseTokenUnverified(token string) (*TokenClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	tokenClaims := &TokenClaims{}
	if sub, ok := claims["sub"].(string); ok {
		tokenClaims.UserId = sub
	}
	if username, ok := claims["username"].(string); ok {
		tokenClaims.Username = username
	}
	if role, ok := claims["role"].(string); ok {
		tokenClaims.Role = role
	}
	if exp, ok := claims["exp"].(float64); ok {
		tokenClaims.ExpiresAt = int64(exp) * 1000
	}
	return tokenClaims, nil
}

func (self *TokenClaims) Identity() *Identity {
	return &Identity{
		Id:       self.UserId,
		Username: self.Username,
		Role:     self.Role,
	}
}
