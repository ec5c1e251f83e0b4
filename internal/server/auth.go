package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig is the placeholder bearer auth. With no secret every request is
// accepted; with a secret, a bearer token must be an HS256 JWT signed with it
// and mutations require one.
type AuthConfig struct {
	JWTSecret string
	Logger    *slog.Logger
}

func (c AuthConfig) Enabled() bool {
	return strings.TrimSpace(c.JWTSecret) != ""
}

type Principal struct {
	ActorID       string
	Authenticated bool
	Source        string
}

const anonymousActor = "api-user"

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok {
		return p
	}
	return Principal{ActorID: anonymousActor, Source: "anonymous"}
}

var (
	errJWTSecretMissing = errors.New("jwt secret not configured")
	errSubjectRequired  = errors.New("subject claim required")
)

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errJWTSecretMissing
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errSubjectRequired
	}
	return Principal{ActorID: claims.Subject, Authenticated: true, Source: "jwt"}, nil
}

// IssueToken signs an HS256 token for subject valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errJWTSecretMissing
	}
	if subject == "" {
		return "", errSubjectRequired
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// TokenValidator returns a websocket auth hook, or nil when auth is off.
func (c AuthConfig) TokenValidator() func(token string) error {
	if !c.Enabled() {
		return nil
	}
	return func(token string) error {
		_, err := authenticateJWT(token, c.JWTSecret)
		return err
	}
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// authMiddleware attaches a principal to every request. Only a present but
// invalid credential is rejected here; missing credentials are handled per
// operation by requireActor.
func authMiddleware(cfg AuthConfig, a *api) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" || !cfg.Enabled() {
				p := Principal{ActorID: anonymousActor, Authenticated: authz != "", Source: "placeholder"}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				a.respond(w, a.newError(req.Context(), http.StatusUnauthorized, CodeUnauthorized, "invalid credentials", nil))
				return
			}
			p, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				cfg.logger().Debug("rejected bearer token", "err", err)
				a.respond(w, a.newError(req.Context(), http.StatusUnauthorized, CodeUnauthorized, "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// requireActor returns the acting principal for a mutation. When auth is
// enabled the request must carry a valid token.
func (a *api) requireActor(ctx context.Context) (string, error) {
	p := principalFromContext(ctx)
	if a.cfg.Auth.Enabled() && !p.Authenticated {
		return "", a.newError(ctx, http.StatusUnauthorized, CodeUnauthorized, "authentication required", nil)
	}
	return p.ActorID, nil
}
