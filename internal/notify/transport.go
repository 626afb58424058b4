package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/editionworks/fulfillment/internal/adapter"
)

// EmailTransport delivers one message to one recipient
//
//go:generate mockgen -source=transport.go -destination=../mocks/notify.go -package=mocks -mock_names=EmailTransport=MockEmailTransport
type EmailTransport interface {
	Send(ctx context.Context, to, subject, body string) error
}

// HTTPTransport posts messages to a JSON mail API
type HTTPTransport struct {
	client   adapter.HTTPClient
	endpoint string
	apiKey   string
	from     string
}

func NewHTTPTransport(client adapter.HTTPClient, endpoint, apiKey, from string) *HTTPTransport {
	return &HTTPTransport{
		client:   client,
		endpoint: endpoint,
		apiKey:   apiKey,
		from:     from,
	}
}

type mailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

func (t *HTTPTransport) Send(ctx context.Context, to, subject, body string) error {
	payload, err := json.Marshal(mailRequest{
		From:    t.from,
		To:      to,
		Subject: subject,
		Text:    body,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal mail request: %w", err)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + t.apiKey,
	}
	if _, err := t.client.PostJSON(ctx, t.endpoint, headers, payload); err != nil {
		return fmt.Errorf("failed to deliver mail: %w", err)
	}

	return nil
}
