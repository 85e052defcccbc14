package sheets

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
)

// Mailer delivers one-time login codes.
type Mailer interface {
	SendCode(ctx context.Context, email, name, code string) error
}

// LogMailer writes codes to the log instead of sending email. The code
// itself is only logged at debug level.
type LogMailer struct {
	Logger *slog.Logger
}

// SendCode implements Mailer.
func (m *LogMailer) SendCode(ctx context.Context, email, name, code string) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "login code issued", "email", email, "name", name)
	logger.DebugContext(ctx, "login code", "email", email, "code", code)
	return nil
}

const (
	msgEmailRequired = "Email is required"
	msgEmailInvalid  = "Invalid email address"
	msgCodeRequired  = "Code is required"
)

func validateCodeRequest(email, code string) error {
	if email == "" {
		return errors.New(msgEmailRequired)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New(msgEmailInvalid)
	}
	if code == "" {
		return errors.New(msgCodeRequired)
	}
	return nil
}
