package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/resend/resend-go/v2"
)

// ResendProvider sends mail through the Resend API.
type ResendProvider struct {
	client *resend.Client
}

// NewResendProvider constructs the provider. An empty key leaves it unconfigured.
func NewResendProvider(apiKey string) *ResendProvider {
	if apiKey == "" {
		return &ResendProvider{}
	}
	return &ResendProvider{client: resend.NewClient(apiKey)}
}

// Name implements Provider.
func (p *ResendProvider) Name() string { return "resend" }

// IsConfigured implements Provider.
func (p *ResendProvider) IsConfigured() bool {
	return p != nil && p.client != nil
}

// Send implements Provider.
func (p *ResendProvider) Send(_ context.Context, req *Request) error {
	if !p.IsConfigured() {
		return errors.New("resend: client not initialized")
	}
	params := &resend.SendEmailRequest{
		From:    req.From,
		To:      req.To,
		Subject: req.Subject,
	}
	if req.HTML != "" {
		params.Html = req.HTML
	} else {
		params.Text = req.Body
	}
	if _, err := p.client.Emails.Send(params); err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	return nil
}
