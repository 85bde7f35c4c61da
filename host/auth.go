package host

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/flowdraw/collab/collab"
)

// Authenticator backs both auth paths: credential login against an
// in-process user table and bearer-token verification. Tokens are HS256
// with sub/username/role/exp claims.

type User struct {
	Id             string
	Username       string
	Role           string
	passwordDigest string
}

type Authenticator struct {
	secret   []byte
	tokenTtl time.Duration

	stateLock sync.Mutex
	users     map[string]*User
}

func NewAuthenticator(secret []byte, tokenTtl time.Duration) *Authenticator {
	return &Authenticator{
		secret:   secret,
		tokenTtl: tokenTtl,
		users:    map[string]*User{},
	}
}

func passwordDigest(password string) string {
	digest := sha256.Sum256([]byte(password))
	return hex.EncodeToString(digest[:])
}

func (self *Authenticator) AddUser(id string, username string, password string, role string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.users[username] = &User{
		Id:             id,
		Username:       username,
		Role:           role,
		passwordDigest: passwordDigest(password),
	}
}

func (self *Authenticator) Login(username string, password string) (*collab.Identity, error) {
	self.stateLock.Lock()
	user, ok := self.users[username]
	self.stateLock.Unlock()

	if !ok {
		return nil, errors.New("Invalid username or password")
	}
	digest := passwordDigest(password)
	if subtle.ConstantTimeCompare([]byte(digest), []byte(user.passwordDigest)) != 1 {
		return nil, errors.New("Invalid username or password")
	}
	return &collab.Identity{
		Id:       user.Id,
		Username: user.Username,
		Role:     user.Role,
	}, nil
}

// IssueToken returns the signed token and its expiry in unix milliseconds.
func (self *Authenticator) IssueToken(identity *collab.Identity) (string, int64, error) {
	expiresAt := time.Now().Add(self.tokenTtl)
	claims := gojwt.MapClaims{
		"sub":      identity.Id,
		"username": identity.Username,
		"role":     identity.Role,
		"exp":      expiresAt.Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(self.secret)
	if err != nil {
		return "", 0, err
	}
	return signed, expiresAt.UnixMilli(), nil
}

func (self *Authenticator) VerifyToken(token string) (*collab.Identity, error) {
	parsed, err := gojwt.Parse(
		token,
		func(t *gojwt.Token) (any, error) {
			if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
		gojwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims")
	}
	identity := &collab.Identity{}
	if sub, ok := claims["sub"].(string); ok {
		identity.Id = sub
	}
	if username, ok := claims["username"].(string); ok {
		identity.Username = username
	}
	if role, ok := claims["role"].(string); ok {
		identity.Role = role
	}
	if identity.Id == "" {
		return nil, errors.New("missing subject")
	}
	return identity, nil
}
