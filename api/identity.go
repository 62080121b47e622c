/*
identity.go - Bearer token authentication

PURPOSE:
  Turns the Authorization header into a settlement.Actor carried on the
  request context. Handlers pass that actor explicitly into every engine
  call; the engine never looks at HTTP state.

TOKEN FORMAT:
  HS256 JWT with claims:
    sub   user id
    role  customer | host | admin
    exp   optional expiry (enforced when present)

USAGE:
  auth := NewAuthenticator(secret)
  r.Use(auth.Middleware)
  r.With(RequireRole(settlement.RoleAdmin)).Get(...)

SEE ALSO:
  - server.go: where the middleware is mounted
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/settlement-engine/settlement"
)

type ctxKey string

const actorKey ctxKey = "actor"

var (
	errMissingToken = errors.New("missing bearer token")
	errBadClaims    = errors.New("token claims must carry sub and role")
)

// Authenticator verifies bearer tokens signed with a shared secret.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Middleware rejects requests without a valid token with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// Authenticate extracts and verifies the bearer token on r.
func (a *Authenticator) Authenticate(r *http.Request) (settlement.Actor, error) {
	header := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(tokenStr) == "" {
		return settlement.Actor{}, errMissingToken
	}
	return a.Parse(strings.TrimSpace(tokenStr))
}

// Parse verifies a raw token and maps its claims onto an Actor.
func (a *Authenticator) Parse(tokenStr string) (settlement.Actor, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return settlement.Actor{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return settlement.Actor{}, errBadClaims
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" {
		return settlement.Actor{}, errBadClaims
	}
	switch settlement.Role(role) {
	case settlement.RoleCustomer, settlement.RoleHost, settlement.RoleAdmin:
	default:
		return settlement.Actor{}, fmt.Errorf("%w: unknown role %q", errBadClaims, role)
	}
	return settlement.Actor{ID: settlement.UserID(sub), Role: settlement.Role(role)}, nil
}

// Issue signs a token for the given user. Used by settlectl and tests.
func (a *Authenticator) Issue(id settlement.UserID, role settlement.Role, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  string(id),
		"role": string(role),
		"iat":  time.Now().Unix(),
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func WithActor(ctx context.Context, actor settlement.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom returns the authenticated caller, if any.
func ActorFrom(ctx context.Context) (settlement.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(settlement.Actor)
	return actor, ok
}

// RequireRole rejects callers whose role is not listed with 403.
func RequireRole(roles ...settlement.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "Unauthorized", errMissingToken)
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "Forbidden",
				&settlement.ForbiddenError{Actor: actor, Action: "access " + r.URL.Path})
		})
	}
}
