package connect

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type SessionJwt struct {
	SessionId string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// the backend signs the token; the client only reads claims to route
// and label traffic, so no verification happens here
func ParseSessionJwtUnverified(jwt string) (*SessionJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}

	sessionJwt := &SessionJwt{}

	if sessionId, ok := claims["session_id"].(string); ok {
		sessionJwt.SessionId = sessionId
	}
	if role, ok := claims["role"].(string); ok {
		sessionJwt.Role = role
	}
	if issuedAt, err := claims.GetIssuedAt(); err == nil && issuedAt != nil {
		sessionJwt.IssuedAt = issuedAt.Time
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		sessionJwt.ExpiresAt = expiresAt.Time
	}

	return sessionJwt, nil
}

func (self *SessionJwt) IsExpired(now time.Time) bool {
	if self.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(self.ExpiresAt)
}
