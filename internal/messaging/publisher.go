package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/editionworks/fulfillment/internal/adapter"
	"github.com/editionworks/fulfillment/internal/domain"
	"github.com/editionworks/fulfillment/internal/logger"
)

// SubjectMintRequested carries queued mint jobs
const SubjectMintRequested = "mint.jobs.requested"

// streamSubjects is the subject space owned by the mint stream
const streamSubjects = "mint.jobs.>"

// Config holds the configuration for a NATS JetStream connection
type Config struct {
	URL            string
	StreamName     string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectionName string
}

// Publisher hands mint jobs to the detached worker queue
//
//go:generate mockgen -source=publisher.go -destination=../mocks/publisher.go -package=mocks -mock_names=Publisher=MockPublisher
type Publisher interface {
	// EnqueueMint publishes a mint job to the stream
	EnqueueMint(ctx context.Context, job domain.MintJob) error
	// Close closes the connection
	Close()
}

type publisher struct {
	nc adapter.NatsConn
	js adapter.JetStream
}

// NewPublisher connects to NATS and ensures the mint stream exists
func NewPublisher(ctx context.Context, cfg Config, natsJS adapter.NatsJetStream) (Publisher, error) {
	nc, js, err := natsJS.Connect(cfg.URL, natsOptions(cfg.ConnectionName, cfg.MaxReconnects, cfg.ReconnectWait)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS and create JetStream: %w", err)
	}

	if err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{streamSubjects},
		Retention: jetstream.WorkQueuePolicy,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure mint stream: %w", err)
	}

	return &publisher{nc: nc, js: js}, nil
}

func (p *publisher) EnqueueMint(ctx context.Context, job domain.MintJob) error {
	logger.Debug("publishing mint job", zap.String("attempt_id", job.AttemptID))

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal mint job: %w", err)
	}

	if _, err := p.js.Publish(ctx, SubjectMintRequested, data); err != nil {
		return fmt.Errorf("failed to publish mint job: %w", err)
	}

	return nil
}

func (p *publisher) Close() {
	if p.nc == nil {
		return
	}
	p.nc.Close()
}

// natsOptions is the shared connection option set with reconnect logging
func natsOptions(name string, maxReconnects int, reconnectWait time.Duration) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, zap.String("message", "Disconnected from NATS"))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}
}
