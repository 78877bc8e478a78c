package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/iago/media-jobs-back/internal/domain"
)

const (
	defaultJWKSTimeout         = 10 * time.Second
	defaultJWKSRefreshInterval = 15 * time.Minute
	defaultDevAccountHeader    = "X-Account-Id"
	maxAccountIDLength         = 128
)

// SessionResolver turns an authenticated account id into a session.
type SessionResolver interface {
	Session(ctx context.Context, accountID string) (domain.Session, error)
}

// SessionConfig selects how the account id is established. With neither
// Secret nor JWKSURL nor Keys set, the DevHeader value is trusted as is.
type SessionConfig struct {
	Secret    string
	JWKSURL   string
	Issuer    string
	Leeway    time.Duration
	DevHeader string

	// Keys overrides JWKSURL with an already built key set.
	Keys keyfunc.Keyfunc

	Logger *slog.Logger
}

type SessionAuth struct {
	resolver  SessionResolver
	keyfunc   func(ctx context.Context) jwt.Keyfunc
	methods   []string
	issuer    string
	leeway    time.Duration
	devHeader string
	logger    *slog.Logger
}

func NewSessionAuth(ctx context.Context, cfg SessionConfig, resolver SessionResolver) (*SessionAuth, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "session_auth")
	auth := &SessionAuth{
		resolver:  resolver,
		issuer:    strings.TrimSpace(cfg.Issuer),
		leeway:    cfg.Leeway,
		devHeader: strings.TrimSpace(cfg.DevHeader),
		logger:    logger,
	}
	if auth.devHeader == "" {
		auth.devHeader = defaultDevAccountHeader
	}

	keys := cfg.Keys
	if keys == nil && cfg.JWKSURL != "" {
		storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
			Client:                    &http.Client{Timeout: defaultJWKSTimeout},
			Ctx:                       ctx,
			NoErrorReturnFirstHTTPReq: true,
			RefreshInterval:           defaultJWKSRefreshInterval,
			RefreshErrorHandler: func(_ context.Context, err error) {
				logger.Error("jwks refresh failed", "url", cfg.JWKSURL, "error", err)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("jwks storage: %w", err)
		}
		keys, err = keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
		if err != nil {
			return nil, fmt.Errorf("jwks keyfunc: %w", err)
		}
	}

	switch {
	case keys != nil:
		auth.keyfunc = keys.KeyfuncCtx
		auth.methods = []string{"RS256", "ES256", "EdDSA"}
	case cfg.Secret != "":
		secret := []byte(cfg.Secret)
		auth.keyfunc = func(context.Context) jwt.Keyfunc {
			return func(*jwt.Token) (any, error) { return secret, nil }
		}
		auth.methods = []string{"HS256"}
	default:
		logger.Warn("no token verification configured, trusting account header", "header", auth.devHeader)
	}
	return auth, nil
}

// Middleware authenticates the request and stores the resolved session in
// its context.
func (a *SessionAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, err := a.accountID(r)
		if err != nil {
			a.logger.Debug("authentication failed", "error", err, "remote_addr", r.RemoteAddr)
			writeUnauthorized(w, r)
			return
		}

		session, err := a.resolver.Session(r.Context(), accountID)
		if err != nil {
			a.logger.Error("resolve session", "account_id", accountID, "error", err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load account")
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *SessionAuth) accountID(r *http.Request) (string, error) {
	if a.keyfunc == nil {
		return validAccountID(r.Header.Get(a.devHeader))
	}

	authorization := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("missing bearer token")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("empty bearer token")
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods(a.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		options = append(options, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, a.keyfunc(r.Context()), options...)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	return validAccountID(claims.Subject)
}

func validAccountID(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errors.New("missing account id")
	}
	if len(value) > maxAccountIDLength {
		return "", errors.New("account id too long")
	}
	return value, nil
}

// SessionFromContext returns the session stored by SessionAuth.
func SessionFromContext(ctx context.Context) (domain.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(domain.Session)
	return session, ok
}
