package actions

import (
	"context"
	"errors"
	"fmt"

	"meact/internal/actions/mail"
	engine "meact/internal/engine/domain"
	rules "meact/internal/rules/domain"
)

const defaultMailSubject = "{sensor_type} alert from {board_desc}"

// NewMailAction sends the rule message by mail. Config: sender, recipient
// (list or comma separated), subject template, provider.
func NewMailAction(registry *mail.Registry) Action {
	return ActionFunc(func(ctx context.Context, event engine.SensorEvent, config map[string]any) error {
		if !Enabled(config) {
			return ErrDisabled
		}
		if registry == nil {
			return errors.New("mail: no providers")
		}
		sender := configString(config, "sender")
		if sender == "" {
			return errors.New("mail: empty sender")
		}
		recipients := configStrings(config, "recipient")
		if len(recipients) == 0 {
			return errors.New("mail: empty recipient")
		}
		subjectTpl := configString(config, "subject")
		if subjectTpl == "" {
			subjectTpl = defaultMailSubject
		}
		subject, err := rules.Render(subjectTpl, event.Fields())
		if err != nil {
			return fmt.Errorf("mail: subject: %w", err)
		}
		return registry.SendVia(ctx, configString(config, "provider"), &mail.Request{
			From:    sender,
			To:      recipients,
			Subject: subject,
			Body:    event.Message,
		})
	})
}
