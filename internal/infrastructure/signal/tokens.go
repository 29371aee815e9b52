package signal

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rtcsession/internal/core/domain"
	"rtcsession/pkg/utils"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnknownRole  = errors.New("unknown role")
)

// Role is the role a session token grants.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
	RoleModerator  Role = "moderator"
)

var rolePermissions = map[Role][]domain.Permission{
	RoleSubscriber: {
		domain.PermissionSubscribe,
		domain.PermissionSignal,
	},
	RolePublisher: {
		domain.PermissionPublish,
		domain.PermissionSubscribe,
		domain.PermissionSignal,
	},
	RoleModerator: {
		domain.PermissionPublish,
		domain.PermissionSubscribe,
		domain.PermissionSignal,
		domain.PermissionForceDisconnect,
		domain.PermissionForceUnpublish,
	},
}

// Permissions lists what role may do.
func (r Role) Permissions() []domain.Permission {
	return append([]domain.Permission(nil), rolePermissions[r]...)
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Claims is the payload of a session token.
type Claims struct {
	SessionID string `json:"session_id"`
	Role      Role   `json:"role"`
	Data      string `json:"connection_data,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies session tokens with an HMAC secret.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue creates a token admitting one connection to sessionID.
func (i *TokenIssuer) Issue(sessionID string, role Role, data string) (string, error) {
	if !role.Valid() {
		return "", ErrUnknownRole
	}
	now := utils.Now()
	claims := &Claims{
		SessionID: sessionID,
		Role:      role,
		Data:      data,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        utils.GenerateID("tok"),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify parses token and returns its claims.
func (i *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(utils.Now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Role.Valid() {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// VerifyFor verifies token and checks that it belongs to sessionID.
func (i *TokenIssuer) VerifyFor(tokenString, sessionID string) (*Claims, error) {
	claims, err := i.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.SessionID != sessionID {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
