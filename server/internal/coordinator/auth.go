package coordinator

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"classroom-sfu/server/internal/protocol"
)

// Identity is the verified caller of a signaling connection.
type Identity struct {
	ParticipantID string
	DisplayName   string
	Role          protocol.Role
}

// Claims are the token claims trusted by the coordinator. The participant id
// is the subject.
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 identity tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Verify checks the signature, expiry and issuer of token and returns the
// identity it carries.
func (a *Authenticator) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, errors.Wrap(ErrUnauthorized, "missing token")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, errors.Wrapf(ErrUnauthorized, "invalid token: %v", err)
	}

	id := Identity{
		ParticipantID: claims.Subject,
		DisplayName:   claims.Name,
		Role:          protocol.Role(claims.Role),
	}
	if id.ParticipantID == "" {
		return Identity{}, errors.Wrap(ErrUnauthorized, "token has no subject")
	}
	if !id.Role.Valid() {
		return Identity{}, errors.Wrapf(ErrUnauthorized, "unknown role %q", claims.Role)
	}
	return id, nil
}

// Issue signs a token for id valid for ttl. It backs the token subcommand
// and tests; production tokens come from the identity provider.
func (a *Authenticator) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: id.DisplayName,
		Role: string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ParticipantID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
