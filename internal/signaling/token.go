// internal/signaling/token.go
package signaling

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"

	"github.com/aifedespaix/cki/internal/models"
)

// DefaultInviteTTL bounds how long an invite token stays redeemable.
const DefaultInviteTTL = time.Hour

// ErrInvalidInvite reports a token that failed verification, expired, or
// carries unusable claims.
var ErrInvalidInvite = errors.New("signaling: invalid invite token")

// Invite is the payload carried by a signed invite token. The host hands the
// token to the guest out of band; redeeming it yields the session id, the
// assigned role and the dial target.
type Invite struct {
	SessionID string
	Role      models.PlayerRole
	Target    string
}

// deriveKey stretches the human-readable session code into an HMAC signing
// key. The session id doubles as salt so the same code yields different keys
// across sessions.
func deriveKey(sessionID, code string) []byte {
	salt := []byte("cki-invite:" + sessionID)
	return argon2.IDKey([]byte(code), salt, 3, 64*1024, 2, 32)
}

// SignInvite issues a token for the invite, signed with a key derived from
// the session code.
func SignInvite(code string, inv Invite, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = DefaultInviteTTL
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sid":    inv.SessionID,
		"role":   string(inv.Role),
		"target": inv.Target,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(deriveKey(inv.SessionID, code))
	if err != nil {
		return "", fmt.Errorf("signaling: sign invite: %w", err)
	}
	return signed, nil
}

// ParseInvite verifies a token against the session code and returns its
// invite. The session id inside the token feeds the key derivation, so a
// token forged for a different session never verifies.
func ParseInvite(tokenString, code string) (Invite, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		claims, ok := t.Claims.(jwt.MapClaims)
		if !ok {
			return nil, errors.New("unexpected claims shape")
		}
		sid, _ := claims["sid"].(string)
		if sid == "" {
			return nil, errors.New("missing session id claim")
		}
		return deriveKey(sid, code), nil
	})
	if err != nil || !t.Valid {
		return Invite{}, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Invite{}, ErrInvalidInvite
	}
	sid, _ := claims["sid"].(string)
	roleStr, _ := claims["role"].(string)
	target, _ := claims["target"].(string)
	role := models.PlayerRole(roleStr)
	if sid == "" || target == "" || (role != models.RoleHost && role != models.RoleGuest) {
		return Invite{}, fmt.Errorf("%w: incomplete claims", ErrInvalidInvite)
	}
	return Invite{SessionID: sid, Role: role, Target: target}, nil
}
