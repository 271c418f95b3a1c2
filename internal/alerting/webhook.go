package alerting

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/config"
	"github.com/WilBtc/autoheal/internal/types"
)

// webhookPayload is the JSON body posted to the configured webhook URL.
type webhookPayload struct {
	Event      string             `json:"event"`
	Timestamp  string             `json:"timestamp"`
	Escalation *webhookEscalation `json:"escalation,omitempty"`
	Digest     string             `json:"digest,omitempty"`
}

// webhookEscalation carries the escalation fields in a JSON-friendly layout.
type webhookEscalation struct {
	ID        int64            `json:"id"`
	Signature string           `json:"signature"`
	Kind      string           `json:"kind"`
	Subject   string           `json:"subject"`
	Severity  string           `json:"severity"`
	Message   string           `json:"message"`
	RootCause string           `json:"root_cause,omitempty"`
	Consensus string           `json:"consensus,omitempty"`
	Attempts  types.AttemptLog `json:"attempts"`
	CreatedAt string           `json:"created_at"`
}

// WebhookNotifier sends JSON POST requests to an arbitrary HTTP endpoint.
type WebhookNotifier struct {
	cfg    config.WebhookConfig
	client *http.Client
	logger zerolog.Logger
}

func NewWebhookNotifier(cfg config.WebhookConfig, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "webhook").Logger(),
	}
}

// NotifyEscalation posts an escalation event to the configured webhook URL.
func (w *WebhookNotifier) NotifyEscalation(e *types.Escalation) {
	w.post(webhookPayload{
		Event:     "escalation",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Escalation: &webhookEscalation{
			ID:        e.ID,
			Signature: e.Signature,
			Kind:      string(e.Incident.Kind),
			Subject:   e.Incident.Subject,
			Severity:  e.Severity.String(),
			Message:   e.Incident.Message,
			RootCause: e.Diagnosis.RootCause,
			Consensus: e.Diagnosis.Consensus,
			Attempts:  e.Attempts,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		},
	})
}

// SendDigest posts a digest event with the rendered report text.
func (w *WebhookNotifier) SendDigest(text string) {
	w.post(webhookPayload{
		Event:     "digest",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Digest:    text,
	})
}

// post marshals the payload and sends it to the webhook URL. It retries once
// on failure.
func (w *WebhookNotifier) post(payload webhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to marshal webhook payload")
		return
	}

	if w.doPost(body) {
		return
	}

	w.logger.Warn().Msg("webhook delivery failed, retrying once")
	if !w.doPost(body) {
		w.logger.Error().Msg("webhook delivery failed after retry")
	}
}

// doPost performs a single HTTP POST and returns true on success (2xx).
func (w *WebhookNotifier) doPost(body []byte) bool {
	req, err := http.NewRequest(http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to create webhook request")
		return false
	}

	req.Header.Set("Content-Type", "application/json")

	// HMAC-SHA256 signature when a secret is configured.
	if w.cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(w.cfg.Secret))
		mac.Write(body)
		req.Header.Set("X-Autoheal-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Error().Err(err).Str("url", w.cfg.URL).Msg("webhook request failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.logger.Debug().Int("status", resp.StatusCode).Msg("webhook delivered")
		return true
	}

	w.logger.Warn().Int("status", resp.StatusCode).Str("url", w.cfg.URL).Msg("webhook returned non-2xx status")
	return false
}
