// Package auth is the minimal AuthService collaborator: it turns a bearer
// token into an appctx.CurrentUser. It is adapted from the shape of
// internal/http/interceptors/auth/auth.go (bearer-token extraction,
// skip-path list, context injection) with the CS3 gateway gRPC
// round-trip and the credential/token-strategy registries removed —
// this server has no federation partner to delegate authentication to,
// so the token is verified locally instead.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/appctx"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
)

// Service verifies a bearer token and yields the caller it identifies.
type Service interface {
	Authenticate(ctx context.Context, token string) (*appctx.CurrentUser, error)
}

// Config configures the JWT verification path and, optionally, the OIDC
// discovery/verification path named in the configuration list.
type Config struct {
	// Secret is the HMAC signing key for locally-issued bearer tokens.
	Secret string
	// OIDCIssuer, when set, additionally accepts tokens verified against
	// this issuer's discovery document instead of the local secret.
	OIDCIssuer   string
	OIDCAudience string
}

// jwtService verifies self-issued HS256 tokens, the default path: this
// server signs its own tokens on login rather than delegating to an
// external identity provider.
type jwtService struct {
	secret []byte
}

// NewJWTService returns a Service that verifies HS256 tokens signed with
// secret, reading "sub" and "role" claims into appctx.CurrentUser.
func NewJWTService(secret string) Service {
	return &jwtService{secret: []byte(secret)}
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (s *jwtService) Authenticate(_ context.Context, token string) (*appctx.CurrentUser, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, errtypes.InvalidCredentials("invalid bearer token")
	}
	if c.Subject == "" {
		return nil, errtypes.InvalidCredentials("token missing subject claim")
	}
	role := c.Role
	if role == "" {
		role = "user"
	}
	return &appctx.CurrentUser{ID: c.Subject, Role: role}, nil
}

// oidcService verifies tokens issued by an external OIDC provider,
// matching the OIDC settings named in the configuration list. Full login
// flows and session management remain out of scope; this only verifies
// an ID token already in hand.
type oidcService struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCService builds a Service backed by the given issuer's discovery
// document. It performs network discovery, so it is constructed once at
// startup, not per-request.
func NewOIDCService(ctx context.Context, issuer, audience string) (Service, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: oidc discovery against %s: %w", issuer, err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: audience})
	return &oidcService{verifier: verifier}, nil
}

type idTokenClaims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
}

func (s *oidcService) Authenticate(ctx context.Context, token string) (*appctx.CurrentUser, error) {
	idToken, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return nil, errtypes.InvalidCredentials("invalid oidc token: " + err.Error())
	}
	var c idTokenClaims
	if err := idToken.Claims(&c); err != nil {
		return nil, errtypes.InvalidCredentials("malformed oidc claims")
	}
	role := c.Role
	if role == "" {
		role = "user"
	}
	return &appctx.CurrentUser{ID: c.Subject, Role: role}, nil
}

// chain tries each Service in order, returning the first successful
// Authenticate result; this is how a deployment with both a local JWT
// issuer and an external OIDC provider accepts either kind of token.
type chain []Service

// Chain combines multiple Services, accepting a token recognised by any
// of them.
func Chain(services ...Service) Service {
	return chain(services)
}

func (c chain) Authenticate(ctx context.Context, token string) (*appctx.CurrentUser, error) {
	var lastErr error
	for _, svc := range c {
		u, err := svc.Authenticate(ctx, token)
		if err == nil {
			return u, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errtypes.InvalidCredentials("no auth services configured")
	}
	return nil, lastErr
}

// extractToken reads a bearer token the same two ways
// internal/http/interceptors/auth/token/strategy/bearer does: the
// Authorization header first, then the access_token query parameter.
func extractToken(r *http.Request) string {
	if hdr := r.Header.Get("Authorization"); hdr != "" {
		if tok := strings.TrimPrefix(hdr, "Bearer "); tok != hdr {
			return tok
		}
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok
	}
	return ""
}

// Middleware rejects any request without a valid bearer token, storing
// the authenticated caller in the request context via appctx.WithUser.
// Requests whose path has one of the skipPaths prefixes (health checks,
// the metrics endpoint) bypass authentication entirely.
func Middleware(svc Service, skipPaths []string, log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			for _, p := range skipPaths {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			token := extractToken(r)
			if token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="oxicloud"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}

			u, err := svc.Authenticate(r.Context(), token)
			if err != nil {
				var invalid errtypes.InvalidCredentials
				if errors.As(err, &invalid) {
					log.Debug().Err(err).Msg("rejected bearer token")
				} else {
					log.Error().Err(err).Msg("auth service error")
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="oxicloud"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}

			ctx := appctx.WithUser(r.Context(), u)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
