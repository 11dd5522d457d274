package streamer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sentinel/tradingcore/internal/domain"
)

// brokerSubscribeWait bounds how long a per-ticker subscribe message may
// take to write.
const brokerSubscribeWait = 10 * time.Second

// BrokerFeed is the broker-native push RealtimeSource, dialed with
// github.com/gorilla/websocket the way the teacher's
// internal/clients/tradernet websocket client dials its market-status
// feed: a connection-scoped context cancelled on Disconnect, a read loop
// dispatching to per-ticker callbacks, and reconnection left to the
// streamer's own activate/deactivate cycle rather than an internal retry
// loop; the streamer connects once per activation, without backoff.
type BrokerFeed struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	callbacks map[string]func(domain.Quote)

	log zerolog.Logger
}

// NewBrokerFeed constructs a BrokerFeed against the broker's streaming
// websocket URL. An empty url makes the source permanently unavailable.
func NewBrokerFeed(url string, log zerolog.Logger) *BrokerFeed {
	return &BrokerFeed{
		url:       url,
		callbacks: make(map[string]func(domain.Quote)),
		log:       log.With().Str("component", "streamer.broker_feed").Logger(),
	}
}

func (b *BrokerFeed) Name() string { return "broker_push" }

func (b *BrokerFeed) IsAvailable() bool { return b.url != "" }

func (b *BrokerFeed) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Connect dials the broker websocket and starts its read loop.
func (b *BrokerFeed) Connect(ctx context.Context) error {
	if !b.IsAvailable() {
		return domain.NewError(domain.KindBrokerAPI, "streamer.BrokerFeed.Connect", fmt.Errorf("no broker websocket url configured"))
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return domain.NewError(domain.KindBrokerAPI, "streamer.BrokerFeed.Connect", fmt.Errorf("dial failed: %w", err))
	}

	connCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.conn = conn
	b.cancel = cancel
	b.mu.Unlock()

	go b.readLoop(connCtx, conn)
	b.log.Info().Msg("Connect: connected to broker price feed")
	return nil
}

// Disconnect cancels the read loop and closes the connection.
func (b *BrokerFeed) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	cancel := b.cancel
	b.conn = nil
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("streamer.BrokerFeed.Disconnect: %w", err)
	}
	return nil
}

// Subscribe sends the broker's per-ticker subscribe message and registers
// callback to receive every push for ticker until Unsubscribe is called.
func (b *BrokerFeed) Subscribe(ctx context.Context, ticker domain.Ticker, callback func(domain.Quote)) error {
	b.mu.Lock()
	conn := b.conn
	b.callbacks[ticker.String()] = callback
	b.mu.Unlock()

	if conn == nil {
		return domain.NewError(domain.KindBrokerAPI, "streamer.BrokerFeed.Subscribe", fmt.Errorf("not connected"))
	}

	msg := struct {
		Action string `json:"action"`
		Symbol string `json:"symbol"`
	}{Action: "subscribe", Symbol: ticker.String()}
	_ = conn.SetWriteDeadline(time.Now().Add(brokerSubscribeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("streamer.BrokerFeed.Subscribe: %w", err)
	}
	return nil
}

// Unsubscribe stops routing pushes for ticker to its callback.
func (b *BrokerFeed) Unsubscribe(ticker domain.Ticker) error {
	b.mu.Lock()
	conn := b.conn
	delete(b.callbacks, ticker.String())
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	msg := struct {
		Action string `json:"action"`
		Symbol string `json:"symbol"`
	}{Action: "unsubscribe", Symbol: ticker.String()}
	_ = conn.SetWriteDeadline(time.Now().Add(brokerSubscribeWait))
	return conn.WriteJSON(msg)
}

func (b *BrokerFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg struct {
			Symbol string  `json:"symbol"`
			Price  float64 `json:"price"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				b.log.Warn().Err(err).Msg("readLoop: connection lost")
			}
			return
		}

		ticker, err := domain.NewTicker(msg.Symbol)
		if err != nil {
			continue
		}

		b.mu.Lock()
		callback := b.callbacks[ticker.String()]
		b.mu.Unlock()
		if callback == nil {
			continue
		}
		callback(domain.Quote{Ticker: ticker, Price: msg.Price, Timestamp: time.Now(), Source: "broker_push"})
	}
}
