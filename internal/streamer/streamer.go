// Package streamer implements C6: the hybrid, mode-aware price streamer.
// Two periodic poll tasks run side by side -- a normal-cadence task over
// priority=1 subscriptions and a faster priority task over priority>=2
// subscriptions -- while scalping mode additionally activates real-time
// push sources (broker-native or external WS) mirrored across every known
// subscription, following the polling-plus-push split the teacher's
// internal/clients/tradernet/websocket_client.go established for its own
// market-status feed (reconnect-with-backoff, a connection-scoped context,
// a thread-safe subscriber/cache map) generalised here to arbitrary ticker
// subscriptions (spec.md §4.5).
package streamer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel/tradingcore/internal/domain"
)

// TradingMode selects the streamer's poll cadence and whether real-time
// push sources are activated (spec.md §3 TradingMode).
type TradingMode string

const (
	ModeLongTerm TradingMode = "long_term"
	ModeSwing    TradingMode = "swing"
	ModeScalping TradingMode = "scalping"
)

// modeParams is the (poll_interval, priority_interval, use_websocket)
// tuple each TradingMode maps to (spec.md §3).
type modeParams struct {
	PollInterval     time.Duration
	PriorityInterval time.Duration
	UseWebsocket     bool
}

var modeConfig = map[TradingMode]modeParams{
	ModeLongTerm: {PollInterval: 5 * time.Minute, PriorityInterval: time.Minute, UseWebsocket: false},
	ModeSwing:    {PollInterval: time.Minute, PriorityInterval: 15 * time.Second, UseWebsocket: false},
	ModeScalping: {PollInterval: minScalpingPollInterval, PriorityInterval: minScalpingPollInterval, UseWebsocket: true},
}

// minScalpingPollInterval is the safety-net polling floor that keeps
// running even while real-time sources are active (spec.md §4.5).
const minScalpingPollInterval = 2 * time.Second

// realtimeShutdownBudget bounds how long disconnecting a single real-time
// source may take during shutdown or deactivation (spec.md §4.5, §5).
const realtimeShutdownBudget = 5 * time.Second

// Priority is the subscriber-requested urgency for a ticker. Normal-poll
// handles priority 1; the faster priority-poll task handles priority>=2.
type Priority int

const (
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// SubscriptionState is one record of desired per-ticker streaming state,
// shared across every subscribing client (spec.md §3).
type SubscriptionState struct {
	Ticker       domain.Ticker
	Priority     Priority
	SourceHint   string
	SubscribedAt time.Time
}

// Registry supplies quotes for polled tickers (C5).
type Registry interface {
	Quote(ctx context.Context, ticker domain.Ticker) (domain.Quote, error)
}

// RealtimeSource is the PriceSource capability interface spec.md §4.5
// describes for push-based feeds: broker-native streaming or an external
// market-data websocket. Implementations are activated only while the
// streamer is in scalping mode.
type RealtimeSource interface {
	Name() string
	IsAvailable() bool
	IsConnected() bool
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, ticker domain.Ticker, callback func(domain.Quote)) error
	Unsubscribe(ticker domain.Ticker) error
}

type modeChangeReq struct {
	mode TradingMode
	done chan error
}

// Streamer fans out live quotes from a mode-driven scheduler: two periodic
// poll tasks split by subscriber priority, plus zero or more real-time
// push sources activated only in scalping mode. Deduplication is by
// (ticker, timestamp) so a late poll never overwrites a newer pushed quote
// (spec.md §6 ordering invariant).
type Streamer struct {
	registry Registry
	realtime []RealtimeSource
	log      zerolog.Logger

	mu            sync.RWMutex
	mode          TradingMode
	subscriptions map[string]SubscriptionState
	subscribers   map[chan domain.Quote]struct{}
	lastSeen      map[string]time.Time

	modeChange chan modeChangeReq
}

// New constructs a Streamer in mode, polling through registry for both
// priority tiers and, once scalping is entered, pushing through
// every realtime source supplied.
func New(mode TradingMode, registry Registry, realtime []RealtimeSource, log zerolog.Logger) *Streamer {
	if _, ok := modeConfig[mode]; !ok {
		mode = ModeLongTerm
	}
	return &Streamer{
		registry:      registry,
		realtime:      realtime,
		log:           log.With().Str("component", "streamer").Logger(),
		mode:          mode,
		subscriptions: make(map[string]SubscriptionState),
		subscribers:   make(map[chan domain.Quote]struct{}),
		lastSeen:      make(map[string]time.Time),
		modeChange:    make(chan modeChangeReq, 1),
	}
}

// Mode reports the streamer's current trading mode.
func (s *Streamer) Mode() TradingMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Subscribe registers a channel to receive every deduplicated quote. The
// caller must call the returned unsubscribe func to release the channel.
func (s *Streamer) Subscribe() (<-chan domain.Quote, func()) {
	ch := make(chan domain.Quote, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
		close(ch)
	}
}

// Watch records desired streaming state for ticker at priority, idempotent
// per ticker (spec.md §4.5 subscription lifecycle): it triggers a one-shot
// immediate quote and, if real-time sources are currently active, mirrors
// the subscription to every one of them on a best-effort basis.
func (s *Streamer) Watch(ctx context.Context, ticker domain.Ticker, priority Priority, sourceHint string) {
	s.mu.Lock()
	s.subscriptions[ticker.String()] = SubscriptionState{
		Ticker:       ticker,
		Priority:     priority,
		SourceHint:   sourceHint,
		SubscribedAt: time.Now(),
	}
	active := s.mode == ModeScalping
	s.mu.Unlock()

	go s.fetchAndPublishOnce(ctx, ticker)

	if active {
		s.mirrorSubscribe(ctx, ticker)
	}
}

// Unwatch removes ticker from streaming state and, if real-time sources
// are active, unsubscribes it from every one of them.
func (s *Streamer) Unwatch(ticker domain.Ticker) {
	s.mu.Lock()
	delete(s.subscriptions, ticker.String())
	active := s.mode == ModeScalping
	s.mu.Unlock()

	if active {
		for _, src := range s.realtime {
			if err := src.Unsubscribe(ticker); err != nil {
				s.log.Warn().Err(err).Str("ticker", ticker.String()).Str("source", src.Name()).Msg("Unwatch: unsubscribe failed")
			}
		}
	}
}

func (s *Streamer) fetchAndPublishOnce(ctx context.Context, ticker domain.Ticker) {
	q, err := s.registry.Quote(ctx, ticker)
	if err != nil {
		s.log.Warn().Err(err).Str("ticker", ticker.String()).Msg("Watch: initial quote fetch failed")
		return
	}
	q.Source = "poll"
	s.publish(q)
}

func (s *Streamer) mirrorSubscribe(ctx context.Context, ticker domain.Ticker) {
	for _, src := range s.realtime {
		if !src.IsAvailable() {
			continue
		}
		if err := src.Subscribe(ctx, ticker, func(q domain.Quote) { s.publish(q) }); err != nil {
			s.log.Warn().Err(err).Str("ticker", ticker.String()).Str("source", src.Name()).Msg("mirrorSubscribe: subscribe failed")
		}
	}
}

// SetMode atomically transitions the streamer to mode: both poll tasks are
// stopped, the mode config flips, real-time sources are activated (with
// every known subscription re-mirrored) or deactivated, and both poll
// tasks restart at the new cadence (spec.md §4.5 "mode change is atomic").
// If Run has not been started, the request is queued and SetMode blocks
// until Run applies it or ctx is done.
func (s *Streamer) SetMode(ctx context.Context, mode TradingMode) error {
	if _, ok := modeConfig[mode]; !ok {
		return fmt.Errorf("streamer.SetMode: unknown trading mode %q", mode)
	}
	done := make(chan error, 1)
	select {
	case s.modeChange <- modeChangeReq{mode: mode, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the mode-aware poll scheduler and, in scalping mode, the
// real-time push sources, until ctx is cancelled. Mode changes requested
// through SetMode are applied atomically between poll cycles. Shutdown
// disconnects every active real-time source within realtimeShutdownBudget
// each, never blocking the overall shutdown beyond that per-source bound.
func (s *Streamer) Run(ctx context.Context) error {
	params := modeConfig[s.Mode()]
	normal := time.NewTicker(params.PollInterval)
	priority := time.NewTicker(params.PriorityInterval)
	defer normal.Stop()
	defer priority.Stop()

	if params.UseWebsocket {
		s.activateRealtime(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), realtimeShutdownBudget*time.Duration(len(s.realtime)+1))
			s.deactivateRealtime(shutdownCtx)
			cancel()
			return nil

		case req := <-s.modeChange:
			normal.Stop()
			priority.Stop()

			s.mu.Lock()
			wasScalping := s.mode == ModeScalping
			s.mode = req.mode
			nowScalping := req.mode == ModeScalping
			s.mu.Unlock()

			if wasScalping && !nowScalping {
				s.deactivateRealtime(ctx)
			}
			if nowScalping && !wasScalping {
				s.activateRealtime(ctx)
			}

			newParams := modeConfig[req.mode]
			normal = time.NewTicker(newParams.PollInterval)
			priority = time.NewTicker(newParams.PriorityInterval)
			req.done <- nil

		case <-normal.C:
			s.pollTier(ctx, func(p Priority) bool { return p == PriorityNormal })

		case <-priority.C:
			s.pollTier(ctx, func(p Priority) bool { return p >= PriorityHigh })
		}
	}
}

func (s *Streamer) pollTier(ctx context.Context, inTier func(Priority) bool) {
	s.mu.RLock()
	tickers := make([]domain.Ticker, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if inTier(sub.Priority) {
			tickers = append(tickers, sub.Ticker)
		}
	}
	s.mu.RUnlock()

	for _, t := range tickers {
		q, err := s.registry.Quote(ctx, t)
		if err != nil {
			s.log.Warn().Err(err).Str("ticker", t.String()).Msg("pollTier: quote fetch failed")
			continue
		}
		q.Source = "poll"
		s.publish(q)
	}
}

func (s *Streamer) activateRealtime(ctx context.Context) {
	s.mu.RLock()
	subs := make([]domain.Ticker, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub.Ticker)
	}
	s.mu.RUnlock()

	for _, src := range s.realtime {
		if !src.IsAvailable() {
			continue
		}
		if err := src.Connect(ctx); err != nil {
			s.log.Warn().Err(err).Str("source", src.Name()).Msg("activateRealtime: connect failed")
			continue
		}
		for _, t := range subs {
			if err := src.Subscribe(ctx, t, func(q domain.Quote) { s.publish(q) }); err != nil {
				s.log.Warn().Err(err).Str("ticker", t.String()).Str("source", src.Name()).Msg("activateRealtime: subscribe failed")
			}
		}
	}
}

func (s *Streamer) deactivateRealtime(ctx context.Context) {
	for _, src := range s.realtime {
		if !src.IsConnected() {
			continue
		}
		srcCtx, cancel := context.WithTimeout(ctx, realtimeShutdownBudget)
		if err := src.Disconnect(srcCtx); err != nil {
			s.log.Warn().Err(err).Str("source", src.Name()).Msg("deactivateRealtime: disconnect failed")
		}
		cancel()
	}
}

// publish deduplicates by (ticker, timestamp) and fans out to subscribers,
// preserving arrival order per ticker (spec.md §6) with a drop-oldest
// policy for a subscriber whose channel is full.
func (s *Streamer) publish(q domain.Quote) {
	s.mu.Lock()
	last, seen := s.lastSeen[q.Ticker.String()]
	if seen && !q.Timestamp.After(last) {
		s.mu.Unlock()
		return
	}
	s.lastSeen[q.Ticker.String()] = q.Timestamp
	subs := make([]chan domain.Quote, 0, len(s.subscribers))
	for ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- q:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- q:
			default:
			}
			s.log.Warn().Str("ticker", q.Ticker.String()).Msg("publish: subscriber channel full, dropped oldest quote")
		}
	}
}
