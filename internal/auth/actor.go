package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims represents JWT claims issued to fleet operators.
type Claims struct {
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
	jwt.RegisteredClaims
}

// Actor identifies the authenticated operator behind a request. UserID
// becomes created_by on commands and acknowledged_by on events.
type Actor struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Role           Role
}

// ParseJWT validates a token and returns the actor it identifies.
func ParseJWT(tokenString string, secret []byte) (Actor, error) {
	if tokenString == "" {
		return Actor{}, errors.New("auth: empty token")
	}
	if len(secret) == 0 {
		return Actor{}, errors.New("auth: empty secret")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: invalid signing method")
		}
		return secret, nil
	})
	if err != nil {
		return Actor{}, err
	}
	if !token.Valid {
		return Actor{}, errors.New("auth: invalid token")
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return Actor{}, errors.New("auth: token expired")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Actor{}, errors.New("auth: subject is not a user id")
	}
	orgID, err := uuid.Parse(claims.OrganizationID)
	if err != nil {
		return Actor{}, errors.New("auth: missing organization_id")
	}
	role, ok := NormalizeRole(claims.Role)
	if !ok {
		return Actor{}, errors.New("auth: invalid role")
	}
	return Actor{UserID: userID, OrganizationID: orgID, Role: role}, nil
}

type contextKey string

const contextKeyActor contextKey = "auth.actor"

// WithActor stores the authenticated actor in context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, contextKeyActor, actor)
}

// ActorFromContext extracts the authenticated actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(contextKeyActor).(Actor)
	return actor, ok
}
