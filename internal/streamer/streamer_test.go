package streamer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel/tradingcore/internal/domain"
)

type fakeRegistry struct {
	mu    sync.Mutex
	quote domain.Quote
	calls int
}

func (f *fakeRegistry) Quote(ctx context.Context, ticker domain.Ticker) (domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	q := f.quote
	q.Ticker = ticker
	return q, nil
}

func (f *fakeRegistry) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRealtime struct {
	mu          sync.Mutex
	name        string
	available   bool
	connected   bool
	connectErr  error
	subscribed  map[string]func(domain.Quote)
	connectN    int
	disconnectN int
}

func newFakeRealtime(name string) *fakeRealtime {
	return &fakeRealtime{name: name, available: true, subscribed: make(map[string]func(domain.Quote))}
}

func (f *fakeRealtime) Name() string      { return f.name }
func (f *fakeRealtime) IsAvailable() bool { return f.available }

func (f *fakeRealtime) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeRealtime) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectN++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeRealtime) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectN++
	f.connected = false
	return nil
}

func (f *fakeRealtime) Subscribe(ctx context.Context, ticker domain.Ticker, callback func(domain.Quote)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[ticker.String()] = callback
	return nil
}

func (f *fakeRealtime) Unsubscribe(ticker domain.Ticker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribed, ticker.String())
	return nil
}

func (f *fakeRealtime) push(ticker domain.Ticker, q domain.Quote) {
	f.mu.Lock()
	cb := f.subscribed[ticker.String()]
	f.mu.Unlock()
	if cb != nil {
		cb(q)
	}
}

func (f *fakeRealtime) subscribedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed)
}

func TestPublish_DropsLateQuoteOlderThanLastSeen(t *testing.T) {
	s := New(ModeLongTerm, &fakeRegistry{}, nil, zerolog.Nop())
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	ticker := domain.MustTicker("AAPL")
	newer := time.Now()
	older := newer.Add(-time.Minute)

	s.publish(domain.Quote{Ticker: ticker, Price: 100, Timestamp: newer})
	select {
	case q := <-ch:
		assert.Equal(t, 100.0, q.Price)
	case <-time.After(time.Second):
		t.Fatal("expected first quote to be delivered")
	}

	s.publish(domain.Quote{Ticker: ticker, Price: 90, Timestamp: older})
	select {
	case q := <-ch:
		t.Fatalf("a stale quote must not be delivered, got %+v", q)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_DeliversStrictlyNewerQuote(t *testing.T) {
	s := New(ModeLongTerm, &fakeRegistry{}, nil, zerolog.Nop())
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	ticker := domain.MustTicker("AAPL")
	t0 := time.Now()

	s.publish(domain.Quote{Ticker: ticker, Price: 100, Timestamp: t0})
	<-ch

	s.publish(domain.Quote{Ticker: ticker, Price: 105, Timestamp: t0.Add(time.Second)})
	select {
	case q := <-ch:
		assert.Equal(t, 105.0, q.Price)
	case <-time.After(time.Second):
		t.Fatal("expected newer quote to be delivered")
	}
}

func TestWatch_PublishesOneShotImmediateQuote(t *testing.T) {
	ticker := domain.MustTicker("AAPL")
	registry := &fakeRegistry{quote: domain.Quote{Price: 200, Timestamp: time.Now()}}
	s := New(ModeLongTerm, registry, nil, zerolog.Nop())

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.Watch(context.Background(), ticker, PriorityNormal, "")

	select {
	case q := <-ch:
		assert.Equal(t, "poll", q.Source)
	case <-time.After(time.Second):
		t.Fatal("expected an immediate quote on Watch")
	}
}

func TestPollTier_OnlyPublishesMatchingPriority(t *testing.T) {
	normal := domain.MustTicker("AAPL")
	high := domain.MustTicker("MSFT")
	registry := &fakeRegistry{quote: domain.Quote{Price: 1, Timestamp: time.Now()}}
	s := New(ModeLongTerm, registry, nil, zerolog.Nop())
	s.Watch(context.Background(), normal, PriorityNormal, "")
	s.Watch(context.Background(), high, PriorityHigh, "")
	time.Sleep(10 * time.Millisecond) // drain the one-shot publishes below

	// Give the polled quote a newer timestamp than the one-shot quote so
	// publish's (ticker, timestamp) deduplication lets it through.
	registry.mu.Lock()
	registry.quote.Timestamp = time.Now()
	registry.mu.Unlock()

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.pollTier(context.Background(), func(p Priority) bool { return p == PriorityNormal })

	select {
	case q := <-ch:
		assert.Equal(t, normal.String(), q.Ticker.String())
	case <-time.After(time.Second):
		t.Fatal("expected the normal-priority ticker to be polled")
	}
	select {
	case q := <-ch:
		t.Fatalf("high-priority ticker must not be polled by the normal tier, got %+v", q)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnwatch_StopsFuturePolling(t *testing.T) {
	ticker := domain.MustTicker("AAPL")
	registry := &fakeRegistry{quote: domain.Quote{Price: 1, Timestamp: time.Now()}}
	s := New(ModeLongTerm, registry, nil, zerolog.Nop())
	s.Watch(context.Background(), ticker, PriorityNormal, "")
	time.Sleep(10 * time.Millisecond)
	s.Unwatch(ticker)

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.pollTier(context.Background(), func(Priority) bool { return true })

	select {
	case q := <-ch:
		t.Fatalf("unwatched ticker should not be polled, got %+v", q)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, s.subscriptions)
}

func TestActivateRealtime_ConnectsAndMirrorsKnownSubscriptions(t *testing.T) {
	ticker := domain.MustTicker("AAPL")
	registry := &fakeRegistry{quote: domain.Quote{Price: 1, Timestamp: time.Now()}}
	rt := newFakeRealtime("test_feed")
	s := New(ModeLongTerm, registry, []RealtimeSource{rt}, zerolog.Nop())
	s.Watch(context.Background(), ticker, PriorityCritical, "")
	time.Sleep(10 * time.Millisecond)

	s.activateRealtime(context.Background())

	assert.True(t, rt.IsConnected())
	assert.Equal(t, 1, rt.subscribedCount())
}

func TestWatch_MirrorsToRealtimeSourcesOnceScalpingIsActive(t *testing.T) {
	registry := &fakeRegistry{quote: domain.Quote{Price: 1, Timestamp: time.Now()}}
	rt := newFakeRealtime("test_feed")
	s := New(ModeScalping, registry, []RealtimeSource{rt}, zerolog.Nop())
	s.activateRealtime(context.Background())

	ticker := domain.MustTicker("AAPL")
	s.Watch(context.Background(), ticker, PriorityNormal, "")

	assert.Equal(t, 1, rt.subscribedCount())
}

func TestDeactivateRealtime_DisconnectsConnectedSources(t *testing.T) {
	registry := &fakeRegistry{}
	rt := newFakeRealtime("test_feed")
	s := New(ModeScalping, registry, []RealtimeSource{rt}, zerolog.Nop())
	s.activateRealtime(context.Background())
	require.True(t, rt.IsConnected())

	s.deactivateRealtime(context.Background())

	assert.False(t, rt.IsConnected())
	assert.Equal(t, 1, rt.disconnectN)
}

func TestSetMode_AtomicallyReconfiguresAndActivatesRealtime(t *testing.T) {
	registry := &fakeRegistry{quote: domain.Quote{Price: 1, Timestamp: time.Now()}}
	rt := newFakeRealtime("test_feed")
	s := New(ModeLongTerm, registry, []RealtimeSource{rt}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	err := s.SetMode(context.Background(), ModeScalping)
	require.NoError(t, err)

	assert.Equal(t, ModeScalping, s.Mode())
	assert.True(t, rt.IsConnected())
}

func TestSetMode_RejectsUnknownMode(t *testing.T) {
	s := New(ModeLongTerm, &fakeRegistry{}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	err := s.SetMode(context.Background(), TradingMode("unknown"))
	assert.Error(t, err)
}

func TestRun_DeactivatesRealtimeOnShutdown(t *testing.T) {
	registry := &fakeRegistry{}
	rt := newFakeRealtime("test_feed")
	s := New(ModeScalping, registry, []RealtimeSource{rt}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()
	time.Sleep(10 * time.Millisecond)
	require.True(t, rt.IsConnected())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.False(t, rt.IsConnected())
}
