// Package di wires every component (C1-C13) into a single process,
// mirroring the teacher's internal/di/wire.go role as the one place that
// knows every concrete constructor, while the components themselves only
// depend on the narrow interfaces they declare.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sentinel/tradingcore/internal/alerts"
	"github.com/sentinel/tradingcore/internal/broker"
	"github.com/sentinel/tradingcore/internal/config"
	"github.com/sentinel/tradingcore/internal/database"
	"github.com/sentinel/tradingcore/internal/domain"
	"github.com/sentinel/tradingcore/internal/enrichment"
	"github.com/sentinel/tradingcore/internal/health"
	"github.com/sentinel/tradingcore/internal/journal"
	"github.com/sentinel/tradingcore/internal/notify"
	"github.com/sentinel/tradingcore/internal/priceregistry"
	"github.com/sentinel/tradingcore/internal/quotes"
	"github.com/sentinel/tradingcore/internal/regime"
	"github.com/sentinel/tradingcore/internal/secretstore"
	"github.com/sentinel/tradingcore/internal/streamer"
	"github.com/sentinel/tradingcore/internal/token"
)

// Container holds every wired component for the lifetime of the process.
type Container struct {
	Config       *config.Config
	SecretStore  *secretstore.Store
	TokenManager *token.Manager
	Broker       *broker.Client
	Registry     *priceregistry.Registry
	Streamer     *streamer.Streamer
	Enrichment   *enrichment.Pipeline
	Journal      *journal.Store
	Alerts       *alerts.Watcher
	Regime       *regime.Provider
	Notifier     *notify.WebhookNotifier
	LedgerDB     *database.DB
	RegimeDB     *database.DB
	Health       *health.Checker
}

// Wire constructs every component and returns the assembled Container.
// Construction order follows each component's dependency chain: secret
// store first (it depends only on config), then token
// manager (depends on secret store), then broker (depends on token
// manager), and so on through the streaming and analytics layers.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	store, err := secretstore.New(cfg.DataDir+"/secrets.bin", cfg.EncryptionKeyHex, log)
	if err != nil {
		return nil, fmt.Errorf("failed to wire secret store: %w", err)
	}

	tokenMgr := token.New(store, token.Config{
		TokenURL:    brokerTokenURL(cfg),
		ClientID:    cfg.BrokerClientID,
		RedirectURI: cfg.BrokerRedirectURI,
	}, log)

	brokerClient := broker.New(tokenMgr, broker.Config{BaseURL: brokerBaseURL(cfg)}, log)

	providers := []quotes.Provider{quotes.NewAlphaVantageProvider(cfg.QuoteAPIKey, log)}
	registry := priceregistry.New(providers, log)

	notifier := notify.New(cfg.NotifyWebhookURL, cfg.NotifyToken, log)

	alertTickers := make([]domain.Ticker, 0, len(cfg.AlertTickers))
	for _, sym := range cfg.AlertTickers {
		t, err := domain.NewTicker(sym)
		if err != nil {
			return nil, fmt.Errorf("failed to wire alert watcher: invalid ticker %q: %w", sym, err)
		}
		alertTickers = append(alertTickers, t)
	}
	alertWatcher := alerts.New(alerts.Config{
		Enabled:         cfg.AlertEnabled,
		Interval:        cfg.AlertInterval,
		CooldownMinutes: cfg.AlertCooldown,
	}, alertTickers, registry, notifier, log)

	tokenMgr.OnRefreshFailure(func(r token.RefreshResult) {
		_ = notifier.Notify(alerts.Notification{
			Type:    "token_refresh_failed",
			Message: fmt.Sprintf("broker token refresh failed after %d attempts: %v", r.Attempts, r.Error),
		})
	})

	realtimeSources := []streamer.RealtimeSource{streamer.NewBrokerFeed(brokerWSURL(cfg), log)}
	priceStream := streamer.New(streamer.TradingMode(cfg.TradingMode), registry, realtimeSources, log)

	technicalSignals := enrichment.NewTechnicalSignals(registry)
	enrichPipeline := enrichment.New(registry, technicalSignals, log)

	ledgerDB, err := database.New(database.Config{Path: cfg.DataDir + "/ledger.db", Profile: database.ProfileLedger, Name: "ledger"})
	if err != nil {
		return nil, fmt.Errorf("failed to wire ledger database: %w", err)
	}
	journalStore, err := journal.New(ledgerDB, log)
	if err != nil {
		return nil, fmt.Errorf("failed to wire journal store: %w", err)
	}

	regimeDB, err := database.New(database.Config{Path: cfg.DataDir + "/regime.db", Profile: database.ProfileStandard, Name: "regime"})
	if err != nil {
		return nil, fmt.Errorf("failed to wire regime database: %w", err)
	}
	regimeProvider, err := regime.New(regimeDB, log)
	if err != nil {
		return nil, fmt.Errorf("failed to wire regime provider: %w", err)
	}

	healthChecker := health.New(cfg.DataDir, []health.DBHealthChecker{ledgerDB, regimeDB}, log)

	return &Container{
		Config:       cfg,
		SecretStore:  store,
		TokenManager: tokenMgr,
		Broker:       brokerClient,
		Registry:     registry,
		Streamer:     priceStream,
		Enrichment:   enrichPipeline,
		Journal:      journalStore,
		Alerts:       alertWatcher,
		Regime:       regimeProvider,
		Notifier:     notifier,
		LedgerDB:     ledgerDB,
		RegimeDB:     regimeDB,
		Health:       healthChecker,
	}, nil
}

// Close releases every resource the container opened.
func (c *Container) Close() error {
	var firstErr error
	for _, closer := range []func() error{c.LedgerDB.Close, c.RegimeDB.Close} {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func brokerTokenURL(cfg *config.Config) string {
	if cfg.BrokerEnv == config.BrokerLive {
		return "https://live.broker.example/oauth/token"
	}
	return "https://sim.broker.example/oauth/token"
}

func brokerBaseURL(cfg *config.Config) string {
	if cfg.BrokerEnv == config.BrokerLive {
		return "https://live.broker.example/api"
	}
	return "https://sim.broker.example/api"
}

func brokerWSURL(cfg *config.Config) string {
	if cfg.BrokerEnv == config.BrokerLive {
		return "wss://live.broker.example/stream"
	}
	return "wss://sim.broker.example/stream"
}
