package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/config"
	"github.com/aegisshield/entity-correlation/internal/models"
)

const sourceService = "entity-correlation"

// EventTypeRiskAssessed tags every assessment message
const EventTypeRiskAssessed = "risk.assessed"

// messageWriter is the subset of *kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AssessmentEvent is published once per cluster
type AssessmentEvent struct {
	EventID     string                  `json:"event_id"`
	EventType   string                  `json:"event_type"`
	RunID       string                  `json:"run_id"`
	Digest      string                  `json:"digest"`
	ClusterID   string                  `json:"cluster_id"`
	DisplayName string                  `json:"display_name"`
	SourceIDs   []string                `json:"source_ids"`
	MemberCount int                     `json:"member_count"`
	MatchType   models.MatchType        `json:"match_type"`
	Detection   *models.DetectionResult `json:"detection,omitempty"`
	Assessment  models.RiskAssessment   `json:"assessment"`
	Timestamp   time.Time               `json:"timestamp"`
}

// Producer publishes risk assessments
type Producer struct {
	writer       messageWriter
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewProducer creates a producer for the risk assessment topic
func NewProducer(cfg config.KafkaConfig, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topics.RiskAssessments,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return newProducer(writer, cfg.WriteTimeout, logger)
}

func newProducer(writer messageWriter, writeTimeout time.Duration, logger *zap.Logger) *Producer {
	return &Producer{
		writer:       writer,
		writeTimeout: writeTimeout,
		logger:       logger.Named("kafka_producer"),
	}
}

// PublishAssessments sends one message per assessed cluster, keyed by cluster id
func (p *Producer) PublishAssessments(ctx context.Context, run *models.Run) error {
	msgs, err := assessmentMessages(run, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	if p.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("Failed to publish assessments",
			zap.String("run_id", run.ID),
			zap.Int("message_count", len(msgs)),
			zap.Error(err))
		return errors.Wrap(err, "failed to publish assessments")
	}

	p.logger.Debug("Assessments published",
		zap.String("run_id", run.ID),
		zap.Int("message_count", len(msgs)))
	return nil
}

// Close closes the underlying writer
func (p *Producer) Close() error {
	return p.writer.Close()
}

func assessmentMessages(run *models.Run, now time.Time) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(run.Assessments))
	for _, c := range run.Clusters {
		a, ok := run.Assessment(c.ID)
		if !ok {
			continue
		}
		event := AssessmentEvent{
			EventID:     uuid.New().String(),
			EventType:   EventTypeRiskAssessed,
			RunID:       run.ID,
			Digest:      run.Digest,
			ClusterID:   c.ID,
			DisplayName: c.DisplayName(),
			SourceIDs:   c.SourceIDs,
			MemberCount: len(c.Members),
			MatchType:   c.MatchType,
			Detection:   c.Detection,
			Assessment:  a,
			Timestamp:   now,
		}
		value, err := json.Marshal(event)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to serialize assessment for cluster %s", c.ID)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(c.ID),
			Value: value,
			Time:  now,
			Headers: []kafka.Header{
				{Key: "content-type", Value: []byte("application/json")},
				{Key: "source-service", Value: []byte(sourceService)},
				{Key: "run-id", Value: []byte(run.ID)},
			},
		})
	}
	return msgs, nil
}
