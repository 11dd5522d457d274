package token

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel/tradingcore/internal/domain"
)

type memStore struct {
	values map[string]string
}

func newMemStore() *memStore { return &memStore{values: make(map[string]string)} }

func (m *memStore) Get(key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", domain.NewError(domain.KindNotFound, "memStore.Get", fmt.Errorf("%s not found", key))
	}
	return v, nil
}

func (m *memStore) Set(key, value string) error {
	m.values[key] = value
	return nil
}

func TestExchange_PersistsTokenAndValidReturnsIt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at1","refresh_token":"rt1","expires_in":3600}`)
	}))
	defer server.Close()

	store := newMemStore()
	mgr := New(store, Config{TokenURL: server.URL, ClientID: "client"}, zerolog.Nop())

	require.NoError(t, mgr.Exchange(context.Background(), "auth-code"))

	at, err := mgr.Valid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at1", at)
	assert.NotEmpty(t, store.values[secretKey])
}

func TestValid_RefreshesWhenExpiringSoon(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			fmt.Fprint(w, `{"access_token":"at1","refresh_token":"rt1","expires_in":1}`)
		} else {
			fmt.Fprint(w, `{"access_token":"at2","refresh_token":"rt2","expires_in":3600}`)
		}
	}))
	defer server.Close()

	store := newMemStore()
	mgr := New(store, Config{TokenURL: server.URL, ClientID: "client"}, zerolog.Nop())
	require.NoError(t, mgr.Exchange(context.Background(), "auth-code"))

	at, err := mgr.Valid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at2", at)
	assert.Equal(t, 2, calls)
}

func TestValid_PreservesRefreshTokenWhenProviderDoesNotRotate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at2","expires_in":1}`)
	}))
	defer server.Close()

	store := newMemStore()
	mgr := New(store, Config{TokenURL: server.URL, ClientID: "client"}, zerolog.Nop())
	mgr.current = &Token{AccessToken: "stale", RefreshToken: "original-rt"}

	_, err := mgr.Valid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "original-rt", mgr.current.RefreshToken)
}

func TestPostLocked_MapsUnauthorizedToBrokerAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	store := newMemStore()
	mgr := New(store, Config{TokenURL: server.URL, ClientID: "client"}, zerolog.Nop())

	err := mgr.Exchange(context.Background(), "bad-code")
	require.Error(t, err)
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindBrokerAuth, kind)
}

func TestPostLocked_MapsTooManyRequestsToRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	store := newMemStore()
	mgr := New(store, Config{TokenURL: server.URL, ClientID: "client"}, zerolog.Nop())

	err := mgr.Exchange(context.Background(), "code")
	require.Error(t, err)
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindRateLimit, kind)
}

// TestCheckAndRefresh_ProactiveAccessExpiry is scenario S1 (spec.md §8):
// access_ttl=400s (under the 600s threshold), refresh_ttl=2400s (over the
// 1200s threshold) -- the strategy must still decide to refresh because
// either threshold alone is sufficient, and the persisted token must end up
// with an access TTL back around the full 1200s the upstream granted.
func TestCheckAndRefresh_ProactiveAccessExpiry(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-refreshed","refresh_token":"rt1","expires_in":1200}`)
	}))
	defer server.Close()

	store := newMemStore()
	mgr := New(store, Config{TokenURL: server.URL, ClientID: "client"}, zerolog.Nop())
	mgr.current = &Token{
		AccessToken:      "at-stale",
		RefreshToken:     "rt0",
		ExpiresAt:        time.Now().Add(400 * time.Second),
		RefreshExpiresAt: time.Now().Add(2400 * time.Second),
	}

	result := mgr.CheckAndRefresh(context.Background())
	require.True(t, result.Success)
	assert.Equal(t, StatusExpiringSoon, result.Status)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, result.Attempts)
	assert.InDelta(t, 1200, mgr.current.ExpiresAt.Sub(time.Now()).Seconds(), 5)
	assert.Equal(t, 0, mgr.consecutiveFailures)
}

// TestCheckAndRefresh_NotDueYet covers the monotonicity property (spec.md §8
// invariant 4): once both TTLs clear their thresholds, no refresh fires.
func TestCheckAndRefresh_NotDueYet(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	store := newMemStore()
	mgr := New(store, Config{TokenURL: server.URL, ClientID: "client"}, zerolog.Nop())
	mgr.current = &Token{
		AccessToken:      "at-fresh",
		RefreshToken:     "rt0",
		ExpiresAt:        time.Now().Add(3600 * time.Second),
		RefreshExpiresAt: time.Now().Add(7200 * time.Second),
	}

	result := mgr.CheckAndRefresh(context.Background())
	assert.True(t, result.Success)
	assert.Equal(t, StatusValid, result.Status)
	assert.Equal(t, 0, calls)
}

// TestCheckAndRefresh_NonRetryableStopsImmediately verifies an invalid_grant
// response short-circuits the 3-attempt retry policy instead of burning
// every attempt on a grant that will never succeed.
func TestCheckAndRefresh_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer server.Close()

	store := newMemStore()
	mgr := New(store, Config{TokenURL: server.URL, ClientID: "client"}, zerolog.Nop())
	mgr.current = &Token{
		AccessToken:      "at-stale",
		RefreshToken:     "rt0",
		ExpiresAt:        time.Now().Add(10 * time.Second),
		RefreshExpiresAt: time.Now().Add(7200 * time.Second),
	}

	result := mgr.CheckAndRefresh(context.Background())
	assert.False(t, result.Success)
	assert.Equal(t, StatusRefreshFailed, result.Status)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, mgr.consecutiveFailures)
}

func TestHealth_ReportsDerivedTTLsNotPersisted(t *testing.T) {
	store := newMemStore()
	mgr := New(store, Config{TokenURL: "http://example.invalid", ClientID: "client"}, zerolog.Nop())
	mgr.current = &Token{
		AccessToken:      "at",
		RefreshToken:     "rt",
		ExpiresAt:        time.Now().Add(1000 * time.Second),
		RefreshExpiresAt: time.Now().Add(5000 * time.Second),
	}

	health := mgr.Health()
	assert.InDelta(t, 1000, health.AccessTTL.Seconds(), 2)
	assert.InDelta(t, 5000, health.RefreshTTL.Seconds(), 2)
	assert.InDelta(t, 500, health.NextCheckInterval.Seconds(), 2)
	assert.Equal(t, 0, health.ConsecutiveFailures)
}
