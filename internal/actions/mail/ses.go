package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESProvider sends mail through AWS SES.
type SESProvider struct {
	client *sesv2.Client
	region string
}

// NewSESProvider loads the default AWS configuration for region.
func NewSESProvider(ctx context.Context, region string) (*SESProvider, error) {
	if region == "" {
		return nil, errors.New("ses: empty region")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("ses: load aws config: %w", err)
	}
	return &SESProvider{client: sesv2.NewFromConfig(cfg), region: region}, nil
}

// Name implements Provider.
func (p *SESProvider) Name() string { return "ses" }

// IsConfigured implements Provider.
func (p *SESProvider) IsConfigured() bool {
	return p != nil && p.client != nil
}

// Send implements Provider.
func (p *SESProvider) Send(ctx context.Context, req *Request) error {
	if !p.IsConfigured() {
		return errors.New("ses: client not initialized")
	}
	var body types.Body
	if req.HTML != "" {
		body.Html = &types.Content{Data: &req.HTML}
	}
	if req.Body != "" {
		body.Text = &types.Content{Data: &req.Body}
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: &req.From,
		Destination:      &types.Destination{ToAddresses: req.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: &req.Subject},
				Body:    &body,
			},
		},
	}
	if _, err := p.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses: %w", err)
	}
	return nil
}
