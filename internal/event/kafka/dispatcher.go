package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository"
)

// Dispatcher publishes pending stock_events rows to Kafka. The engine
// appends events inside its own transactions; this loop drains them with
// bounded retries, so an engine commit never waits on the broker.
type Dispatcher struct {
	logger     *zap.Logger
	store      repository.Store
	writer     *kafka.Writer
	topic      string
	batchSize  int
	interval   time.Duration
	maxRetries int
	backoff    time.Duration
}

// NewDispatcher creates a stock event dispatcher.
func NewDispatcher(
	logger *zap.Logger,
	store repository.Store,
	brokers []string,
	topic string,
	batchSize int,
	interval time.Duration,
	maxRetries int,
	backoff time.Duration,
) *Dispatcher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	return &Dispatcher{
		logger:     logger,
		store:      store,
		writer:     writer,
		topic:      topic,
		batchSize:  batchSize,
		interval:   interval,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Close closes the Kafka writer.
func (d *Dispatcher) Close() error {
	return d.writer.Close()
}

// Start runs the dispatch loop until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("starting stock event dispatcher",
		zap.String("topic", d.topic),
		zap.Int("batch_size", d.batchSize),
		zap.Duration("interval", d.interval),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// Drain whatever accumulated before startup.
	if err := d.processBatch(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("failed to process initial batch", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("stock event dispatcher stopping")
			return nil
		case <-ticker.C:
			if err := d.processBatch(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.logger.Error("failed to process batch", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	events, err := d.store.PendingEvents(ctx, d.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("get pending events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	d.logger.Debug("processing stock event batch", zap.Int("count", len(events)))

	for _, ev := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.processEvent(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("failed to process event",
				zap.Error(err),
				zap.String("event_id", ev.EventID),
				zap.String("event_type", ev.EventType),
			)
			// Keep going; the next pass retries what is still pending.
		}
	}
	return nil
}

func (d *Dispatcher) processEvent(ctx context.Context, ev repository.StockEvent) error {
	var lastErr error

	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		msg := kafka.Message{
			// Keyed by ledger row so per-row events stay ordered.
			Key:   []byte(ev.LedgerID),
			Value: ev.Payload,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(ev.EventID)},
				{Key: "event_type", Value: []byte(ev.EventType)},
				{Key: "dedupe_key", Value: []byte(ev.DedupeKey)},
			},
		}

		err := d.writer.WriteMessages(ctx, msg)
		if err == nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if markErr := d.store.MarkEventSent(ctx, ev.EventID); markErr != nil {
				return markErr
			}
			d.logger.Info("stock event published",
				zap.String("event_id", ev.EventID),
				zap.String("event_type", ev.EventType),
				zap.Int("attempt", attempt),
			)
			return nil
		}

		lastErr = err
		d.logger.Warn("failed to publish stock event",
			zap.Error(err),
			zap.String("event_id", ev.EventID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", d.maxRetries),
		)

		if attempt < d.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.backoff * time.Duration(attempt)):
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	errMsg := fmt.Sprintf("failed after %d attempts: %v", d.maxRetries, lastErr)
	if markErr := d.store.MarkEventFailed(ctx, ev.EventID, errMsg); markErr != nil {
		return markErr
	}
	return lastErr
}
