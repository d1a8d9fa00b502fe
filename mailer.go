package auth

import (
	"context"
	"time"
)

// LinkMessage is an outbound invitation or recovery link.
type LinkMessage struct {
	Email     string
	Kind      OneTimeTokenType
	URL       string
	ExpiresAt time.Time
}

// Mailer delivers links to their recipients.
type Mailer interface {
	SendLink(ctx context.Context, msg LinkMessage) error
}

// MailerFunc adapts a function to Mailer.
type MailerFunc func(ctx context.Context, msg LinkMessage) error

func (f MailerFunc) SendLink(ctx context.Context, msg LinkMessage) error {
	return f(ctx, msg)
}

// LogMailer writes links to the logger. Useful in development where no
// mail relay is configured.
type LogMailer struct {
	Logger Logger
}

func (m LogMailer) SendLink(_ context.Context, msg LinkMessage) error {
	if m.Logger == nil {
		return nil
	}
	m.Logger.Info("%s link for %s (expires %s): %s", msg.Kind, msg.Email, msg.ExpiresAt.Format(time.RFC3339), msg.URL)
	return nil
}
