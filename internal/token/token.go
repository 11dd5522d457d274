// Package token implements C2: the OAuth2 access/refresh token lifecycle
// for the broker session. It persists tokens through the secret store (C1)
// and exposes a Valid() accessor that transparently refreshes when the
// access token is within its expiry margin, mirroring the teacher's
// "wrap the upstream call, log at Debug, return a wrapped error" idiom from
// internal/clients/tradernet/client.go. CheckAndRefresh implements the
// spec.md §4.2 ProactiveRefreshStrategy on a cron.v3 ticker
// (cmd/server/main.go schedules it), independent of the on-demand Valid()
// path that internal/broker reads on every outbound call.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel/tradingcore/internal/domain"
)

// refreshMargin is how long before expiry a token is proactively refreshed
// on the on-demand Valid() path.
const refreshMargin = 2 * time.Minute

// Proactive refresh thresholds and retry policy, spec.md §4.2.
const (
	accessRefreshThreshold  = 600 * time.Second
	refreshRefreshThreshold = 1200 * time.Second
	minNextCheckInterval    = 60 * time.Second
	maxRetryAttempts        = 3
	retryBaseDelay          = 1 * time.Second
	retryCapDelay           = 30 * time.Second
)

// nonRetryableErrors are OAuth2 error strings that mean retrying the same
// grant will never succeed (spec.md §4.2).
var nonRetryableErrors = []string{"invalid_grant", "unauthorized", "invalid_client"}

const secretKey = "broker.oauth_token"

// SecretStore is the persistence collaborator (C1), narrowed to what the
// token manager needs.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// Token is the persisted OAuth2 grant. RefreshExpiresAt is zero when the
// provider does not report a refresh-token lifetime; in that case the
// refresh-token TTL is treated as Manager.defaultRefreshTTL from issuance.
type Token struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	IssuedAt         time.Time `json:"issued_at"`
}

func (t Token) expiringSoon() bool {
	return time.Now().Add(refreshMargin).After(t.ExpiresAt)
}

func (t Token) refreshExpiry(defaultTTL time.Duration) time.Time {
	if t.RefreshExpiresAt.IsZero() {
		return t.IssuedAt.Add(defaultTTL)
	}
	return t.RefreshExpiresAt
}

// RefreshStatus classifies the outcome of a CheckAndRefresh call, spec.md §4.2.
type RefreshStatus string

const (
	StatusValid         RefreshStatus = "valid"
	StatusExpiringSoon  RefreshStatus = "expiring_soon"
	StatusExpired       RefreshStatus = "expired"
	StatusMissing       RefreshStatus = "missing"
	StatusRefreshFailed RefreshStatus = "refresh_failed"
)

// RefreshResult is the outcome of one CheckAndRefresh call.
type RefreshResult struct {
	Success    bool
	Status     RefreshStatus
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Attempts   int
	Error      error
}

// TokenHealth is derived on demand from the live token; it is never
// persisted (spec.md §4.2).
type TokenHealth struct {
	AccessTTL           time.Duration
	RefreshTTL          time.Duration
	LastRefresh         time.Time
	ConsecutiveFailures int
	NextCheckInterval   time.Duration
}

// Manager owns the single live OAuth2 token for the broker session, serialising
// refreshes so concurrent callers never race two refresh requests (spec.md §5).
type Manager struct {
	mu                  sync.Mutex
	store               SecretStore
	httpClient          *http.Client
	tokenURL            string
	clientID            string
	redirectURI         string
	defaultRefreshTTL   time.Duration
	log                 zerolog.Logger
	current             *Token
	lastRefresh         time.Time
	consecutiveFailures int
	onFailure           func(RefreshResult)
}

// Config configures the manager's OAuth2 endpoint.
type Config struct {
	TokenURL    string
	ClientID    string
	RedirectURI string

	// DefaultRefreshTTL is the assumed refresh-token lifetime when the
	// broker's token response omits refresh_expires_in. Defaults to 30 days.
	DefaultRefreshTTL time.Duration
}

// New constructs a Manager. The token cache is lazily loaded from store on
// first Valid() or CheckAndRefresh() call.
func New(store SecretStore, cfg Config, log zerolog.Logger) *Manager {
	defaultRefreshTTL := cfg.DefaultRefreshTTL
	if defaultRefreshTTL <= 0 {
		defaultRefreshTTL = 30 * 24 * time.Hour
	}
	return &Manager{
		store:             store,
		httpClient:        &http.Client{Timeout: 15 * time.Second},
		tokenURL:          cfg.TokenURL,
		clientID:          cfg.ClientID,
		redirectURI:       cfg.RedirectURI,
		defaultRefreshTTL: defaultRefreshTTL,
		log:               log.With().Str("component", "token").Logger(),
	}
}

// OnRefreshFailure registers a callback invoked whenever CheckAndRefresh
// exhausts its retry policy without success, for the notification
// collaborator (spec.md §4.2 "emits a failure callback").
func (m *Manager) OnRefreshFailure(fn func(RefreshResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailure = fn
}

// Health reports the current token's derived health without mutating state.
func (m *Manager) Health() TokenHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthLocked()
}

func (m *Manager) healthLocked() TokenHealth {
	if m.current == nil {
		return TokenHealth{ConsecutiveFailures: m.consecutiveFailures, NextCheckInterval: minNextCheckInterval}
	}
	accessTTL := time.Until(m.current.ExpiresAt)
	refreshTTL := time.Until(m.current.refreshExpiry(m.defaultRefreshTTL))
	return TokenHealth{
		AccessTTL:           accessTTL,
		RefreshTTL:          refreshTTL,
		LastRefresh:         m.lastRefresh,
		ConsecutiveFailures: m.consecutiveFailures,
		NextCheckInterval:   nextCheckInterval(accessTTL, refreshTTL),
	}
}

// nextCheckInterval implements spec.md §4.2's
// max(60, min(access_expires_in, refresh_expires_in) / 2).
func nextCheckInterval(accessTTL, refreshTTL time.Duration) time.Duration {
	shortest := accessTTL
	if refreshTTL < shortest {
		shortest = refreshTTL
	}
	if shortest < 0 {
		shortest = 0
	}
	interval := shortest / 2
	if interval < minNextCheckInterval {
		interval = minNextCheckInterval
	}
	return interval
}

// CheckAndRefresh implements the ProactiveRefreshStrategy of spec.md §4.2:
// refresh iff access_expires_in < 600s or refresh_expires_in < 1200s, with
// up to 3 retry attempts at exponential backoff (base 1s, cap 30s),
// short-circuiting on non-retryable OAuth2 error strings. It is intended to
// be called from a recurring scheduler (cmd/server/main.go runs it every minute on cron.v3)
// rather than per-request; internal/broker's per-call path is Valid().
func (m *Manager) CheckAndRefresh(ctx context.Context) RefreshResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		if err := m.loadLocked(); err != nil {
			return RefreshResult{Success: false, Status: StatusRefreshFailed, Error: err}
		}
	}
	if m.current == nil {
		return RefreshResult{Success: false, Status: StatusMissing}
	}

	accessTTL := time.Until(m.current.ExpiresAt)
	refreshTTL := time.Until(m.current.refreshExpiry(m.defaultRefreshTTL))

	shouldRefresh := accessTTL < accessRefreshThreshold || refreshTTL < refreshRefreshThreshold
	if !shouldRefresh {
		return RefreshResult{Success: true, Status: StatusValid, AccessTTL: accessTTL, RefreshTTL: refreshTTL}
	}

	preStatus := StatusExpiringSoon
	if accessTTL <= 0 {
		preStatus = StatusExpired
	}

	attempts := 0
	var lastErr error
	for attempts < maxRetryAttempts {
		attempts++
		if err := ctx.Err(); err != nil {
			lastErr = domain.NewError(domain.KindCancelled, "token.CheckAndRefresh", err)
			break
		}

		m.log.Debug().Int("attempt", attempts).
			Dur("access_ttl", accessTTL).Dur("refresh_ttl", refreshTTL).
			Msg("attempting proactive token refresh")

		err := m.refreshLocked(ctx)
		if err == nil {
			m.lastRefresh = time.Now()
			m.consecutiveFailures = 0
			return RefreshResult{
				Success: true, Status: preStatus,
				AccessTTL: time.Until(m.current.ExpiresAt), RefreshTTL: time.Until(m.current.refreshExpiry(m.defaultRefreshTTL)),
				Attempts: attempts,
			}
		}
		lastErr = err

		if isNonRetryable(err) {
			break
		}
		if attempts < maxRetryAttempts {
			delay := backoffDelay(attempts)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				lastErr = domain.NewError(domain.KindCancelled, "token.CheckAndRefresh", ctx.Err())
				attempts = maxRetryAttempts
			case <-timer.C:
			}
		}
	}

	m.consecutiveFailures++
	result := RefreshResult{
		Success: false, Status: StatusRefreshFailed,
		AccessTTL: accessTTL, RefreshTTL: refreshTTL,
		Attempts: attempts, Error: lastErr,
	}
	m.log.Warn().Err(lastErr).Int("consecutive_failures", m.consecutiveFailures).
		Msg("proactive token refresh failed terminally")
	if m.onFailure != nil {
		m.onFailure(result)
	}
	return result
}

func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryCapDelay {
			return retryCapDelay
		}
	}
	return delay
}

func isNonRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range nonRetryableErrors {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// Valid returns a non-expiring access token, refreshing via the stored
// refresh token if the cached one is within its expiry margin.
func (m *Manager) Valid(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		if err := m.loadLocked(); err != nil {
			return "", err
		}
	}

	if m.current == nil {
		return "", domain.NewError(domain.KindBrokerAuth, "token.Valid", fmt.Errorf("no broker session established"))
	}

	if !m.current.expiringSoon() {
		return m.current.AccessToken, nil
	}

	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	return m.current.AccessToken, nil
}

// Exchange completes the authorization-code grant and persists the result,
// establishing the broker session (spec.md §4.3).
func (m *Manager) Exchange(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", m.clientID)
	form.Set("redirect_uri", m.redirectURI)

	tok, err := m.postLocked(ctx, form)
	if err != nil {
		return err
	}
	m.current = tok
	return m.persistLocked()
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	if m.current == nil || m.current.RefreshToken == "" {
		return domain.NewError(domain.KindBrokerAuth, "token.refresh", fmt.Errorf("no refresh token available"))
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", m.current.RefreshToken)
	form.Set("client_id", m.clientID)

	m.log.Debug().Msg("refreshing broker access token")
	tok, err := m.postLocked(ctx, form)
	if err != nil {
		return err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = m.current.RefreshToken // rotation is optional per provider
	}
	m.current = tok // a fresh IssuedAt resets the default-refresh-TTL window when the provider omits refresh_expires_in
	return m.persistLocked()
}

func (m *Manager) postLocked(ctx context.Context, form url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, domain.NewError(domain.KindBrokerAPI, "token.postLocked", fmt.Errorf("failed to build token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.KindBrokerAPI, "token.postLocked", fmt.Errorf("token request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.NewError(domain.KindRateLimit, "token.postLocked", fmt.Errorf("broker token endpoint rate limited"))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, domain.NewError(domain.KindBrokerAuth, "token.postLocked", fmt.Errorf("broker rejected credentials: %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&oauthErr)
		if oauthErr.Error != "" {
			return nil, domain.NewError(domain.KindBrokerAPI, "token.postLocked",
				fmt.Errorf("broker rejected token request: %s: %s", oauthErr.Error, oauthErr.ErrorDescription))
		}
		return nil, domain.NewError(domain.KindBrokerAPI, "token.postLocked", fmt.Errorf("unexpected broker response: %d", resp.StatusCode))
	}

	var body struct {
		AccessToken      string `json:"access_token"`
		RefreshToken     string `json:"refresh_token"`
		ExpiresIn        int    `json:"expires_in"`
		RefreshExpiresIn int    `json:"refresh_expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, domain.NewError(domain.KindBrokerAPI, "token.postLocked", fmt.Errorf("failed to decode token response: %w", err))
	}

	now := time.Now()
	tok := &Token{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(body.ExpiresIn) * time.Second),
		IssuedAt:     now,
	}
	if body.RefreshExpiresIn > 0 {
		tok.RefreshExpiresAt = now.Add(time.Duration(body.RefreshExpiresIn) * time.Second)
	}
	return tok, nil
}

func (m *Manager) loadLocked() error {
	raw, err := m.store.Get(secretKey)
	if err != nil {
		if kind, ok := domain.KindOf(err); ok && kind == domain.KindNotFound {
			return nil
		}
		return err
	}
	var tok Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return domain.NewError(domain.KindStoreCorrupt, "token.loadLocked", fmt.Errorf("failed to decode stored token: %w", err))
	}
	m.current = &tok
	return nil
}

func (m *Manager) persistLocked() error {
	raw, err := json.Marshal(m.current)
	if err != nil {
		return domain.NewError(domain.KindStoreCorrupt, "token.persistLocked", fmt.Errorf("failed to encode token: %w", err))
	}
	if err := m.store.Set(secretKey, string(raw)); err != nil {
		return err
	}
	m.log.Info().Time("expires_at", m.current.ExpiresAt).Msg("broker token persisted")
	return nil
}
