// Package alerting implements the notification transports for escalations.
package alerting

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/config"
	"github.com/WilBtc/autoheal/internal/types"
)

// Notifier is the common interface for all notification transports.
// Implementations log delivery failures and never return errors; escalation
// persistence must not depend on any transport being healthy.
type Notifier interface {
	NotifyEscalation(e *types.Escalation)
	SendDigest(text string)
}

// BuildNotifiers instantiates the transports named in the configuration.
// An unknown target is a config validation error and cannot reach here.
func BuildNotifiers(cfg config.NotificationsConfig, logger zerolog.Logger) ([]Notifier, error) {
	var out []Notifier
	for _, target := range cfg.EscalationNotificationTargets {
		switch target {
		case "webhook":
			out = append(out, NewWebhookNotifier(cfg.Webhook, logger))
		case "email":
			out = append(out, NewEmailNotifier(cfg.Email, logger))
		case "telegram":
			tg, err := NewTelegramNotifier(cfg.Telegram, logger)
			if err != nil {
				return nil, fmt.Errorf("initializing telegram notifier: %w", err)
			}
			out = append(out, tg)
		default:
			return nil, fmt.Errorf("unknown notification target %q", target)
		}
	}
	return out, nil
}

// summarize renders the compact plain-text body shared by all transports.
func summarize(e *types.Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "incident: %s %s\n", e.Incident.Kind, e.Incident.Subject)
	fmt.Fprintf(&b, "severity: %s\n", e.Severity)
	fmt.Fprintf(&b, "message: %s\n", e.Incident.Message)
	if e.Diagnosis.RootCause != "" {
		fmt.Fprintf(&b, "best hypothesis: %s", e.Diagnosis.RootCause)
		if e.Diagnosis.Consensus != "" {
			fmt.Fprintf(&b, " (consensus %s)", e.Diagnosis.Consensus)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "attempts:\n%s\n", e.Attempts.Summary())
	return b.String()
}
