package modbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	// RefreshSkew is the minimum remaining lifetime of a token handed
	// out by TokenManager. Anything closer to expiry is refreshed first.
	RefreshSkew = 60 * time.Second

	// DefaultTokenLifetime is used when the authorization server
	// omits expires_in
	DefaultTokenLifetime int64 = 3600

	stateTokenBytes = 16
)

// OAuthCredential is a user's Spotify OAuth credential. On every save,
// ExpiresAt is SavedAt plus ExpiresIn seconds.
//
//nolint:lll // struct tags can't be split
type OAuthCredential struct {
	UserID       string `json:"user_id" gorm:"primaryKey;type:string"`
	AccessToken  string `json:"access_token" gorm:"type:string" log:"[redacted]"`
	RefreshToken string `json:"refresh_token" gorm:"type:string" log:"[redacted]"`
	TokenType    string `json:"token_type" gorm:"type:string"`

	// Scope is the space-separated set of granted scopes
	Scope string `json:"scope" gorm:"type:string"`

	// ExpiresIn is the token lifetime, in seconds
	ExpiresIn int64 `json:"expires_in"`

	// SavedAt and ExpiresAt are unix milliseconds
	SavedAt   int64 `json:"saved_at"`
	ExpiresAt int64 `json:"expires_at"`

	ModelUnixTime
}

func (c OAuthCredential) LogValue() slog.Value {
	return structToSlogValue(c)
}

func (c OAuthCredential) Expiry() time.Time {
	return time.UnixMilli(c.ExpiresAt)
}

func (c OAuthCredential) Scopes() []string {
	return strings.Fields(c.Scope)
}

// Renewable reports whether the credential has a refresh token
func (c OAuthCredential) Renewable() bool {
	return c.RefreshToken != ""
}

// TokenGrant is the token set returned by a code exchange or a refresh.
// ExpiresIn is zero and RefreshToken empty when the server omits them.
// Expiry, when set, is used if ExpiresIn is zero.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    int64
	Expiry       time.Time
}

// AuthorizationServer is the OAuth authorization server for the music
// service
type AuthorizationServer interface {
	// AuthURL returns the URL the user visits to grant access. state is
	// echoed back on the redirect.
	AuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error)
}

// TokenManager owns the mapping of users to their OAuth credentials.
// It refreshes credentials nearing expiry, and issues and redeems the
// state tokens used by the authorization redirect.
//
// Concurrent refreshes for the same user aren't serialized. Each
// persists a complete record, so the last write wins.
type TokenManager struct {
	store   CredentialStore
	auth    AuthorizationServer
	clock   Clock
	timeout time.Duration
	metrics *Metrics
	logger  *slog.Logger

	// pending authorization state -> user ID
	states *expirable.LRU[string, string]
}

func NewTokenManager(
	store CredentialStore,
	auth AuthorizationServer,
	clock Clock,
	cfg *CallbackServerConfig,
	timeout time.Duration,
	metrics *Metrics,
	logger *slog.Logger,
) *TokenManager {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &TokenManager{
		store:   store,
		auth:    auth,
		clock:   clock,
		timeout: timeout,
		metrics: metrics,
		logger:  logger.With(loggerNameKey, "token_manager"),
		states: expirable.NewLRU[string, string](
			cfg.StateCacheSize,
			nil,
			cfg.StateTTL,
		),
	}
}

// ValidAccessToken returns an access token for the user with at least
// RefreshSkew of lifetime left, refreshing the stored credential if
// needed. A freshly refreshed token is returned as granted, so the
// guarantee assumes the authorization server grants at least RefreshSkew.
//
// Returns ErrNotAuthenticated if the user has no credential, and
// ErrRefreshFailed if the credential needed a refresh that couldn't be
// done. A failed refresh leaves the stored credential untouched.
func (m *TokenManager) ValidAccessToken(ctx context.Context, userID string) (string, error) {
	log := contextLoggerOr(ctx, m.logger).With(columnUserID, userID)

	cred, err := m.store.GetCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotAuthenticated
		}
		return "", fmt.Errorf("error loading credential: %w", err)
	}

	now := m.clock.Now()
	if cred.Expiry().Sub(now) >= RefreshSkew {
		return cred.AccessToken, nil
	}

	if !cred.Renewable() {
		log.WarnContext(ctx, "credential expired and has no refresh token")
		m.metrics.TokenRefreshes.WithLabelValues(metricResultSkipped).Inc()
		return "", ErrRefreshFailed
	}

	log.InfoContext(ctx, "refreshing credential", "expires_at", cred.Expiry())
	refreshCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	grant, err := m.auth.Refresh(refreshCtx, cred.RefreshToken)
	if err != nil {
		m.metrics.TokenRefreshes.WithLabelValues(metricResultFailure).Inc()
		log.ErrorContext(ctx, "error refreshing credential", tint.Err(err))
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	m.metrics.TokenRefreshes.WithLabelValues(metricResultSuccess).Inc()

	updated, err := m.save(ctx, userID, grant, cred)
	if err != nil {
		return "", err
	}
	return updated.AccessToken, nil
}

// save persists the grant as the user's credential. prior may be nil.
// A grant without a refresh token keeps the prior refresh token.
func (m *TokenManager) save(
	ctx context.Context,
	userID string,
	grant *TokenGrant,
	prior *OAuthCredential,
) (*OAuthCredential, error) {
	savedAt := m.clock.Now()
	lifetime := grant.ExpiresIn
	if lifetime <= 0 && !grant.Expiry.IsZero() {
		lifetime = int64(grant.Expiry.Sub(savedAt).Round(time.Second).Seconds())
	}
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}

	cred := &OAuthCredential{
		UserID:       userID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		TokenType:    grant.TokenType,
		Scope:        grant.Scope,
		ExpiresIn:    lifetime,
		SavedAt:      savedAt.UnixMilli(),
		ExpiresAt:    savedAt.Add(time.Duration(lifetime) * time.Second).UnixMilli(),
	}
	if prior != nil {
		if cred.RefreshToken == "" {
			cred.RefreshToken = prior.RefreshToken
		}
		if cred.Scope == "" {
			cred.Scope = prior.Scope
		}
		if cred.TokenType == "" {
			cred.TokenType = prior.TokenType
		}
		cred.CreatedAt = prior.CreatedAt
	}

	if err := m.store.PutCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("error saving credential: %w", err)
	}
	contextLoggerOr(ctx, m.logger).InfoContext(
		ctx,
		"saved credential",
		"credential", cred,
	)
	return cred, nil
}

// AuthorizationURL issues a new state token bound to the user, and
// returns it with the authorization server's URL for it
func (m *TokenManager) AuthorizationURL(userID string) (authURL string, state string, err error) {
	state, err = generateRandomHexString(stateTokenBytes)
	if err != nil {
		return "", "", err
	}
	m.states.Add(state, userID)
	return m.auth.AuthURL(state), state, nil
}

// PendingState returns the user a state token was issued to, if it's
// still pending
func (m *TokenManager) PendingState(state string) (string, bool) {
	return m.states.Peek(state)
}

// LoginURL returns the authorization server's URL for a pending state
// token. ok is false if the state isn't pending.
func (m *TokenManager) LoginURL(state string) (authURL string, ok bool) {
	if _, ok = m.states.Peek(state); !ok {
		return "", false
	}
	return m.auth.AuthURL(state), true
}

// CompleteAuthorization redeems a state token, exchanges the code and
// persists the result. The state token is consumed even when the
// exchange fails.
func (m *TokenManager) CompleteAuthorization(
	ctx context.Context,
	state string,
	code string,
) (string, error) {
	userID, ok := m.states.Peek(state)
	if !ok {
		return "", ErrUnknownState
	}
	m.states.Remove(state)

	exchangeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	grant, err := m.auth.ExchangeCode(exchangeCtx, code)
	if err != nil {
		return userID, newExternalServiceError("spotify_auth", err)
	}

	prior, err := m.store.GetCredential(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return userID, fmt.Errorf("error loading credential: %w", err)
	}
	if _, err = m.save(ctx, userID, grant, prior); err != nil {
		return userID, err
	}
	return userID, nil
}
