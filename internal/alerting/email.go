package alerting

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/config"
	"github.com/WilBtc/autoheal/internal/types"
)

// EmailNotifier delivers escalations over SMTP.
type EmailNotifier struct {
	cfg    config.EmailConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger zerolog.Logger
}

func NewEmailNotifier(cfg config.EmailConfig, logger zerolog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		send:   smtp.SendMail,
		logger: logger.With().Str("component", "email").Logger(),
	}
}

func (n *EmailNotifier) NotifyEscalation(e *types.Escalation) {
	subject := fmt.Sprintf("[autoheal] %s escalation: %s %s", e.Severity, e.Incident.Kind, e.Incident.Subject)
	n.deliver(subject, summarize(e))
}

func (n *EmailNotifier) SendDigest(text string) {
	n.deliver("[autoheal] daily escalation digest", text)
}

func (n *EmailNotifier) deliver(subject, body string) {
	var auth smtp.Auth
	if n.cfg.Username != "" {
		host := n.cfg.SMTPAddr
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, host)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		n.cfg.From, strings.Join(n.cfg.To, ", "), subject, body)

	if err := n.send(n.cfg.SMTPAddr, auth, n.cfg.From, n.cfg.To, []byte(msg)); err != nil {
		n.logger.Error().Err(err).Str("smtp_addr", n.cfg.SMTPAddr).Msg("email delivery failed")
		return
	}
	n.logger.Debug().Strs("to", n.cfg.To).Msg("email delivered")
}
