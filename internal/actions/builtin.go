package actions

import (
	"log/slog"
	"net/http"

	"meact/internal/actions/mail"
)

// Dependencies are the collaborators of the built-in actions.
type Dependencies struct {
	Logger     *slog.Logger
	Publisher  Publisher
	HTTPClient *http.Client
	Mail       *mail.Registry
}

// RegisterBuiltins registers log, publish, webhook, mail and a generic exec
// whose command comes from the action config.
func RegisterBuiltins(reg *Registry, deps Dependencies) error {
	if err := reg.Register("log", NewLogAction(deps.Logger), 0); err != nil {
		return err
	}
	if err := reg.Register("publish", NewPublishAction(deps.Publisher), 0); err != nil {
		return err
	}
	if err := reg.Register("webhook", NewWebhook(WithHTTPClient(deps.HTTPClient)), 0); err != nil {
		return err
	}
	if err := reg.Register("mail", NewMailAction(deps.Mail), 0); err != nil {
		return err
	}
	return reg.Register("exec", NewExec("", nil, deps.Logger), 0)
}
