package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/monitoring"
	"github.com/sells-group/meterlab/internal/resilience"
)

// messageWriter is the part of *kafka.Writer the dispatcher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher publishes job requests keyed by job id, so every message
// for one job lands on the same partition.
type KafkaDispatcher struct {
	w     messageWriter
	topic string
}

// NewKafkaDispatcher creates a dispatcher writing to topic.
func NewKafkaDispatcher(brokers []string, topic string) (*KafkaDispatcher, error) {
	if len(brokers) == 0 {
		return nil, eris.New("jobs: at least one kafka broker is required")
	}
	if topic == "" {
		return nil, eris.New("jobs: kafka request topic is required")
	}
	return newKafkaDispatcher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}, topic), nil
}

func newKafkaDispatcher(w messageWriter, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{w: w, topic: topic}
}

func (d *KafkaDispatcher) Name() string { return "kafka" }

func (d *KafkaDispatcher) Dispatch(ctx context.Context, req Request) error {
	value, err := json.Marshal(req)
	if err != nil {
		return eris.Wrap(err, "jobs: marshal request")
	}
	err = d.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(req.JobID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(req.Kind)},
		},
	})
	if err != nil {
		return eris.Wrapf(err, "jobs: publish %s to %s", req.JobID, d.topic)
	}
	return nil
}

func (d *KafkaDispatcher) Close() error { return d.w.Close() }

// StatusConsumer reads job reports from the status topic and applies them.
// Offsets are committed after a message is handled, so a crash replays at
// most the in-flight message; replays are harmless because reports are
// idempotent.
type StatusConsumer struct {
	r       messageReader
	applier Applier
	retry   resilience.RetryConfig
	log     *zap.Logger
}

// NewStatusConsumer creates a consumer in group groupID.
func NewStatusConsumer(brokers []string, topic, groupID string, applier Applier, retry resilience.RetryConfig) (*StatusConsumer, error) {
	if len(brokers) == 0 {
		return nil, eris.New("jobs: at least one kafka broker is required")
	}
	if topic == "" || groupID == "" {
		return nil, eris.New("jobs: kafka status topic and group id are required")
	}
	return newStatusConsumer(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	}), applier, retry), nil
}

func newStatusConsumer(r messageReader, applier Applier, retry resilience.RetryConfig) *StatusConsumer {
	retry.ShouldRetry = resilience.RetryConflicts
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("jobs.consumer", "apply report")
	}
	return &StatusConsumer{
		r:       r,
		applier: applier,
		retry:   retry,
		log:     zap.L().With(zap.String("component", "jobs.consumer")),
	}
}

// Run consumes until ctx is done. It returns nil on shutdown and an error
// only when the reader itself fails.
func (c *StatusConsumer) Run(ctx context.Context) error {
	c.log.Info("status consumer started")
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.log.Info("status consumer stopped")
				return nil
			}
			return eris.Wrap(err, "jobs: fetch status message")
		}

		c.handle(ctx, msg)

		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return eris.Wrap(err, "jobs: commit status message")
		}
	}
}

// handle applies one message. Malformed and rejected reports are logged and
// dropped; they would fail the same way on every replay.
func (c *StatusConsumer) handle(ctx context.Context, msg kafka.Message) {
	var r Report
	if err := json.Unmarshal(msg.Value, &r); err != nil {
		monitoring.JobReports.WithLabelValues("kafka", string(OutcomeRejected)).Inc()
		c.log.Warn("dropping malformed status message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return
	}
	if r.JobID == "" {
		r.JobID = string(msg.Key)
	}

	err := resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		_, err := c.applier.ApplyReport(ctx, "kafka", r)
		return err
	})
	if err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job_id", r.JobID),
		zap.Int64("offset", msg.Offset),
		zap.String("kind", string(apperr.KindOf(err))),
		zap.Error(err),
	}
	if resilience.RetryConflicts(err) {
		c.log.Error("status report not applied after retries", fields...)
		return
	}
	c.log.Warn("status report rejected", fields...)
}

func (c *StatusConsumer) Close() error { return c.r.Close() }
