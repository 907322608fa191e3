// Package actortoken issues and validates the HS256 bearer tokens that carry
// the verified actor behind a request.
package actortoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
)

// Claims are the token claims. Subject holds the actor id: the national id
// for applicants, the staff id for operators.
type Claims struct {
	ActorKind string `json:"actor_kind"`
	jwt.RegisteredClaims
}

// Actor returns the identity the claims describe.
func (c *Claims) Actor() id.Actor {
	return id.Actor{Kind: id.ActorKind(c.ActorKind), ID: c.Subject}
}

type Service struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

func New(signingKey, issuer string) (*Service, error) {
	if signingKey == "" {
		return nil, errors.New("signing key is required")
	}
	return &Service{signingKey: []byte(signingKey), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for actor valid for ttl.
func (s *Service) Issue(actor id.Actor, ttl time.Duration) (string, error) {
	if !actor.Kind.IsValid() || actor.ID == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "token actor needs a known kind and an id")
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ActorKind: string(actor.Kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "sign token")
	}
	return signed, nil
}

// Validate parses and verifies a token. The system actor cannot be
// presented from outside.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	actor := claims.Actor()
	if actor.Kind != id.ActorApplicant && actor.Kind != id.ActorOperator {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token actor kind is not accepted")
	}
	if actor.ID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token has no subject")
	}
	return claims, nil
}
