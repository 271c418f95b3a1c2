package alerting

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/WilBtc/autoheal/internal/config"
	"github.com/WilBtc/autoheal/internal/types"
)

// TelegramNotifier sends escalation messages to one chat. It is send-only;
// review happens through the gateway API, not chat commands.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	cfg    config.TelegramConfig
	logger zerolog.Logger
}

func NewTelegramNotifier(cfg config.TelegramConfig, logger zerolog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}

	logger.Info().Str("username", bot.Self.UserName).Msg("telegram bot initialized")

	return &TelegramNotifier{
		bot:    bot,
		cfg:    cfg,
		logger: logger.With().Str("component", "telegram").Logger(),
	}, nil
}

func (n *TelegramNotifier) NotifyEscalation(e *types.Escalation) {
	msg := fmt.Sprintf(
		"%s *Escalation #%d*\n\n"+
			"*Kind:* `%s`\n"+
			"*Subject:* `%s`\n"+
			"*Severity:* %s\n"+
			"*Message:* %s\n",
		severityIcon(e.Severity), e.ID, e.Incident.Kind, e.Incident.Subject,
		e.Severity, escapeMarkdown(e.Incident.Message),
	)
	if e.Diagnosis.RootCause != "" {
		msg += fmt.Sprintf("*Hypothesis:* %s", escapeMarkdown(e.Diagnosis.RootCause))
		if e.Diagnosis.Consensus != "" {
			msg += fmt.Sprintf(" (consensus %s)", e.Diagnosis.Consensus)
		}
		msg += "\n"
	}

	n.sendMarkdown(msg)
}

func (n *TelegramNotifier) SendDigest(text string) {
	n.sendMarkdown("📋 *Escalation digest*\n\n" + escapeMarkdown(text))
}

func (n *TelegramNotifier) sendMarkdown(text string) {
	m := tgbotapi.NewMessage(n.cfg.ChatID, text)
	m.ParseMode = "Markdown"
	if _, err := n.bot.Send(m); err != nil {
		n.logger.Error().Err(err).Int64("chat_id", n.cfg.ChatID).Msg("failed to send telegram message")
	}
}

func severityIcon(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "🔴"
	case types.SeverityWarning:
		return "🟡"
	default:
		return "🔵"
	}
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"`", "\\`",
		"[", "\\[",
	)
	return replacer.Replace(s)
}
