// Package notify is the delivery boundary for one-time codes. Delivery is
// fallible and slow; callers bound each dispatch with a context deadline
// and surface failures as a transient service condition.
package notify

import (
	"context"

	"github.com/paymesh/backend/pkg/logger"
)

type Sender interface {
	SendSMSCode(ctx context.Context, phone, code, displayName string) error
	SendEmailCode(ctx context.Context, email, code, displayName string) error
}

// LogSender writes dispatches to the log instead of a provider, the code
// itself included, so verification flows can be completed without a
// carrier account. It is the development default and must not serve
// production traffic; real SMS/email providers plug in behind Sender.
type LogSender struct{}

func (LogSender) SendSMSCode(ctx context.Context, phone, code, displayName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger.Info("sms_code_dispatched", map[string]interface{}{
		"phone": phone,
		"code":  code,
		"name":  displayName,
	})
	return nil
}

func (LogSender) SendEmailCode(ctx context.Context, email, code, displayName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger.Info("email_code_dispatched", map[string]interface{}{
		"email": email,
		"code":  code,
		"name":  displayName,
	})
	return nil
}

func NewSender(mode string) Sender {
	switch mode {
	case "log", "":
		return LogSender{}
	default:
		logger.Warn("unknown_notify_mode", map[string]interface{}{"mode": mode})
		return LogSender{}
	}
}
