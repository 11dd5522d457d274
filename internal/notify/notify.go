// Package notify provides the outbound notification transport for fired
// alerts (C12). It follows the teacher's single-responsibility client
// shape (one struct, one method, explicit timeout, wrapped errors) used
// throughout internal/clients -- posting a simple webhook payload rather
// than a vendor-specific API, since no push-notification SDK appears
// anywhere in the example corpus.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel/tradingcore/internal/alerts"
	"github.com/sentinel/tradingcore/internal/domain"
)

// WebhookNotifier posts each alert notification as a JSON payload to a
// configured webhook URL (e.g. a self-hosted push gateway).
type WebhookNotifier struct {
	httpClient *http.Client
	url        string
	token      string
	log        zerolog.Logger
}

// New constructs a WebhookNotifier.
func New(url, token string, log zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		url:        url,
		token:      token,
		log:        log.With().Str("component", "notify").Logger(),
	}
}

// Notify implements alerts.Notifier.
func (n *WebhookNotifier) Notify(note alerts.Notification) error {
	if n.url == "" {
		n.log.Info().Str("ticker", note.Ticker.String()).Str("type", string(note.Type)).Str("message", note.Message).Msg("alert fired, no webhook configured")
		return nil
	}

	body, err := json.Marshal(note)
	if err != nil {
		return domain.NewError(domain.KindValidation, "notify.Notify", fmt.Errorf("failed to encode notification: %w", err))
	}

	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	n.log.Info().Str("ticker", note.Ticker.String()).Str("type", string(note.Type)).Msg("notification delivered")
	return nil
}
