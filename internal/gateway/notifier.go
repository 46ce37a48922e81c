package gateway

import (
	"context"

	"github.com/rs/zerolog"
)

// Notifier is the email gateway contract. Production wires a real sender;
// everywhere else the logging implementation records what would have gone
// out.
type Notifier interface {
	Send(ctx context.Context, recipient, subject, template string, data map[string]string) error
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notifier").Logger()}
}

// Send logs the notification and reports success.
func (n *LogNotifier) Send(_ context.Context, recipient, subject, template string, data map[string]string) error {
	n.log.Info().
		Str("recipient", recipient).
		Str("subject", subject).
		Str("template", template).
		Interface("data", data).
		Msg("Email notification")
	return nil
}
