package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/editionworks/fulfillment/internal/adapter"
	"github.com/editionworks/fulfillment/internal/domain"
	"github.com/editionworks/fulfillment/internal/logger"
)

// JobHandler processes one mint job. Returning an error requests a
// redelivery; the handler is expected to make its own work idempotent against
// that (the attempt claim covers it).
type JobHandler func(ctx context.Context, job domain.MintJob) error

// WorkerConfig holds the configuration for the mint job worker
type WorkerConfig struct {
	URL            string
	StreamName     string
	ConsumerName   string
	ConnectionName string
	MaxReconnects  int
	ReconnectWait  time.Duration
	AckWaitTimeout time.Duration
	MaxDeliver     int
	Concurrency    int
}

// Worker consumes mint jobs from JetStream and dispatches them to a bounded
// pool. Mint attempts for different purchases run concurrently; ordering is
// irrelevant because each job claims its own attempt row.
type Worker struct {
	nc      adapter.NatsConn
	js      adapter.JetStream
	handler JobHandler
	config  WorkerConfig
	pool    pond.Pool
}

// NewWorker connects to NATS and ensures the mint stream exists
func NewWorker(ctx context.Context, cfg WorkerConfig, natsJS adapter.NatsJetStream, handler JobHandler) (*Worker, error) {
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

	return &Worker{
		nc:      nc,
		js:      js,
		handler: handler,
		config:  cfg,
	}, nil
}

// Run consumes jobs until the context is cancelled
func (w *Worker) Run(ctx context.Context) error {
	logger.Info("starting mint worker",
		zap.String("stream", w.config.StreamName),
		zap.String("consumer", w.config.ConsumerName),
		zap.Int("concurrency", w.config.Concurrency))

	consumer, err := w.js.CreateOrUpdateConsumer(ctx, w.config.StreamName, jetstream.ConsumerConfig{
		Durable:       w.config.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       w.config.AckWaitTimeout,
		MaxDeliver:    w.config.MaxDeliver,
		FilterSubject: streamSubjects,
	})
	if err != nil {
		return fmt.Errorf("failed to create/update consumer: %w", err)
	}

	w.pool = pond.NewPool(
		w.config.Concurrency,
		pond.WithContext(ctx),
	)

	consumeCtx, err := consumer.Consume(func(msg adapter.Message) {
		w.pool.Submit(func() {
			w.handleMessage(ctx, msg)
		})
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	<-ctx.Done()
	logger.Info("shutting down mint worker")
	w.pool.StopAndWait()
	return ctx.Err()
}

// Close closes the NATS connection
func (w *Worker) Close() {
	if w.nc == nil {
		return
	}
	w.nc.Close()
}

func (w *Worker) handleMessage(ctx context.Context, msg adapter.Message) {
	metadata, _ := msg.Metadata()

	var job domain.MintJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		logger.Error(fmt.Errorf("failed to unmarshal mint job: %w", err))
		// Terminate: an unparseable payload can never succeed
		if err := msg.Term(); err != nil {
			logger.Error(fmt.Errorf("failed to terminate message: %w", err))
		}
		return
	}

	fields := []zap.Field{
		zap.String("attempt_id", job.AttemptID),
		zap.String("purchase_id", job.PurchaseID),
	}
	if metadata != nil {
		fields = append(fields, zap.Uint64("delivery_count", metadata.NumDelivered))
	}
	logger.InfoCtx(ctx, "received mint job", fields...)

	if err := w.handler(ctx, job); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("mint job failed: %w", err),
			zap.String("attempt_id", job.AttemptID))
		if err := msg.Nak(); err != nil {
			logger.Error(fmt.Errorf("failed to NAK message: %w", err))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		logger.Error(fmt.Errorf("failed to ACK message: %w", err))
	}
}
