package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ticketTTL bounds how long a reconnect ticket stays valid: long enough
// to survive a brief network drop and browser reload, short enough that
// a leaked ticket doesn't grant a standing identity.
const ticketTTL = 5 * time.Minute

// ErrInvalidTicket is returned by ValidateTicket for any ticket that
// fails signature verification, is expired, or is malformed.
var ErrInvalidTicket = errors.New("auth: invalid reconnect ticket")

// ticketClaims carries only the connection identity being reclaimed:
// no username, email, or account id, since this scheme exists purely to
// let a reconnecting browser keep its prior connection id across a
// dropped socket, not to authenticate a user.
type ticketClaims struct {
	ConnectionID string `json:"connectionId"`
	jwt.RegisteredClaims
}

// TicketIssuer issues and validates reconnect identity tickets, signed
// with an HMAC key (JWT_SIGNING_KEY). The tickets are self-issued and
// self-verified by the same fleet, so there's no second party that
// would need the public half of an asymmetric key.
type TicketIssuer struct {
	key []byte
}

// NewTicketIssuer builds a TicketIssuer signing with signingKey.
func NewTicketIssuer(signingKey string) *TicketIssuer {
	return &TicketIssuer{key: []byte(signingKey)}
}

// IssueTicket signs a reconnect ticket for connID, valid for ticketTTL.
func (t *TicketIssuer) IssueTicket(connID string) (string, error) {
	claims := ticketClaims{
		ConnectionID: connID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ticketTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "syncwatch-room-backend",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.key)
}

// ValidateTicket verifies raw and returns the connection id it grants,
// or ErrInvalidTicket.
func (t *TicketIssuer) ValidateTicket(raw string) (string, error) {
	claims := &ticketClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidTicket
		}
		return t.key, nil
	})
	if err != nil || !token.Valid || claims.ConnectionID == "" {
		return "", ErrInvalidTicket
	}
	return claims.ConnectionID, nil
}
