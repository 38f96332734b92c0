package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
)

// Claims is the token shape issued by the session collaborator.
type Claims struct {
	OrgID string   `json:"orgId"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier returns a verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify parses tokenStr and returns the identity it carries.
// Expired tokens yield ErrTokenExpired; anything else unusable yields ErrInvalidToken.
func (v *Verifier) Verify(tokenStr string) (*Context, error) {
	if tokenStr == "" {
		return nil, relayerrors.ErrInvalidToken
	}
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, relayerrors.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", relayerrors.ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || claims.OrgID == "" {
		return nil, relayerrors.ErrInvalidToken
	}

	authCtx := &Context{
		UserID: claims.Subject,
		OrgID:  claims.OrgID,
		Roles:  claims.Roles,
		JWTID:  claims.ID,
	}
	if claims.IssuedAt != nil {
		authCtx.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		authCtx.ExpiresAt = claims.ExpiresAt.Time
	}
	return authCtx, nil
}

// Issue signs a token for userID in orgID. Used by tooling and tests; production
// tokens come from the session service with the same secret.
func Issue(secret, userID, orgID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		OrgID: orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
