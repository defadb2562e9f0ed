package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/config"
	"github.com/aegisshield/entity-correlation/internal/engine"
	"github.com/aegisshield/entity-correlation/internal/models"
)

const (
	retryInitialBackoff = 500 * time.Millisecond
	retryMaxBackoff     = 30 * time.Second
)

// messageReader is the subset of *kafka.Reader the consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Processor runs one batch of records
type Processor interface {
	Process(ctx context.Context, req engine.Request) (*models.Run, error)
}

// Observer receives consumer counts; the metrics collector implements it
type Observer interface {
	RecordKafkaConsumed(n int)
}

// Consumer reads entity records and runs them in batches. Offsets are
// committed only after the batch has been processed.
type Consumer struct {
	reader       messageReader
	processor    Processor
	observer     Observer
	batchSize    int
	batchTimeout time.Duration
	logger       *zap.Logger
}

// NewConsumer creates a consumer on the entity records topic. observer may be nil.
func NewConsumer(cfg config.KafkaConfig, processor Processor, observer Observer, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topics.EntityRecords,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return newConsumer(reader, processor, observer, cfg.BatchSize, cfg.BatchTimeout, logger)
}

func newConsumer(reader messageReader, processor Processor, observer Observer, batchSize int, batchTimeout time.Duration, logger *zap.Logger) *Consumer {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Consumer{
		reader:       reader,
		processor:    processor,
		observer:     observer,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		logger:       logger.Named("kafka_consumer"),
	}
}

// Run consumes until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting Kafka consumer",
		zap.Int("batch_size", c.batchSize),
		zap.Duration("batch_timeout", c.batchTimeout))

	for {
		batch, err := c.collect(ctx)
		if len(batch) > 0 {
			if perr := c.processBatch(ctx, batch); perr != nil {
				return perr
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Kafka consumer stopped")
				return nil
			}
			return err
		}
	}
}

// Close closes the reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// collect blocks for the first message, then gathers more until the batch is
// full or batchTimeout has elapsed since the first message arrived.
func (c *Consumer) collect(ctx context.Context) ([]kafka.Message, error) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch message")
	}
	batch := []kafka.Message{first}

	fillCtx, cancel := context.WithTimeout(ctx, c.batchTimeout)
	defer cancel()
	for len(batch) < c.batchSize {
		msg, err := c.reader.FetchMessage(fillCtx)
		if err != nil {
			if ctx.Err() != nil {
				return batch, errors.Wrap(ctx.Err(), "consumer cancelled")
			}
			if fillCtx.Err() != nil {
				break
			}
			return batch, errors.Wrap(err, "failed to fetch message")
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

// processBatch retries the run with backoff until it succeeds or ctx ends,
// then commits the whole batch.
func (c *Consumer) processBatch(ctx context.Context, batch []kafka.Message) error {
	records := decodeRecords(batch, c.logger)
	if c.observer != nil {
		c.observer.RecordKafkaConsumed(len(batch))
	}

	if len(records) > 0 {
		backoff := retryInitialBackoff
		for {
			run, err := c.processor.Process(ctx, engine.Request{Records: records})
			if err == nil {
				c.logger.Info("Processed record batch",
					zap.String("run_id", run.ID),
					zap.Int("messages", len(batch)),
					zap.Int("clusters", len(run.Clusters)))
				break
			}
			c.logger.Error("Failed to process record batch, retrying",
				zap.Int("messages", len(batch)),
				zap.Duration("backoff", backoff),
				zap.Error(err))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > retryMaxBackoff {
				backoff = retryMaxBackoff
			}
		}
	}

	if err := c.reader.CommitMessages(ctx, batch...); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "failed to commit offsets")
	}
	return nil
}

// decodeRecords skips messages that are not entity record JSON; they are
// still committed with the batch.
func decodeRecords(batch []kafka.Message, logger *zap.Logger) []models.EntityRecord {
	records := make([]models.EntityRecord, 0, len(batch))
	for _, msg := range batch {
		var rec models.EntityRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			logger.Warn("Skipping undecodable record message",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records
}
