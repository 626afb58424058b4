package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/editionworks/fulfillment/internal/adapter"
	"github.com/editionworks/fulfillment/internal/logger"
	"github.com/editionworks/fulfillment/internal/retry"
)

// Sender delivers download emails with bounded retry. It never propagates a
// delivery error past its own boundary; callers treat a false return as "not
// yet delivered", not as fatal.
type Sender struct {
	transport EmailTransport
	policy    retry.Policy
	clock     adapter.Clock
	baseURL   string
}

// NewSender wires a transport with the standard delivery retry policy
// (3 attempts, 2s/4s/8s backoff)
func NewSender(transport EmailTransport, clock adapter.Clock, baseURL string) *Sender {
	return &Sender{
		transport: transport,
		policy: retry.Policy{
			MaxAttempts:         3,
			InitialInterval:     2 * time.Second,
			Multiplier:          2,
			MaxInterval:         8 * time.Second,
			RandomizationFactor: 0,
		},
		clock:   clock,
		baseURL: baseURL,
	}
}

// SendDownloadEmail delivers the download link for a completed purchase.
// Returns whether delivery ultimately succeeded.
func (s *Sender) SendDownloadEmail(ctx context.Context, recipient, artworkTitle, token string, expiresAt time.Time) bool {
	subject := fmt.Sprintf("Your download of %q is ready", artworkTitle)
	body := fmt.Sprintf(
		"Thank you for your purchase.\n\n"+
			"Download %q here:\n%s/downloads/%s\n\n"+
			"The link can be used 3 times and expires on %s.\n",
		artworkTitle, s.baseURL, token, expiresAt.UTC().Format(time.RFC1123))

	err := s.policy.Do(ctx, s.clock, func() error {
		return s.transport.Send(ctx, recipient, subject, body)
	})
	if err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("download email delivery failed: %w", err),
			zap.String("recipient", recipient))
		return false
	}

	logger.InfoCtx(ctx, "download email delivered", zap.String("recipient", recipient))
	return true
}
