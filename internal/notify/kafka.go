package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/labflow-qc-server/internal/domain"
)

// MessageWriter is the subset of *kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes verdict events keyed by tenant and group, so every
// event of one control group lands on the same partition in order.
type KafkaNotifier struct {
	writer       MessageWriter
	writeTimeout time.Duration
	log          *logrus.Logger
}

var _ domain.VerdictNotifier = (*KafkaNotifier)(nil)

// NewKafkaNotifier builds a synchronous writer for the verdict topic.
func NewKafkaNotifier(config domain.KafkaConfig, logger *logrus.Logger) (*KafkaNotifier, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka notifier requires at least one broker")
	}
	if config.VerdictTopic == "" {
		return nil, fmt.Errorf("kafka notifier requires a verdict topic")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.VerdictTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	logger.WithFields(logrus.Fields{
		"brokers": config.Brokers,
		"topic":   config.VerdictTopic,
	}).Info("Verdict events publishing to Kafka")

	return NewKafkaNotifierWithWriter(writer, config.WriteTimeout, logger), nil
}

// NewKafkaNotifierWithWriter wraps an existing writer.
func NewKafkaNotifierWithWriter(writer MessageWriter, writeTimeout time.Duration, logger *logrus.Logger) *KafkaNotifier {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &KafkaNotifier{writer: writer, writeTimeout: writeTimeout, log: logger}
}

// Notify writes one event for the processed measurement.
func (n *KafkaNotifier) Notify(ctx context.Context, tenantID string, processed *domain.ProcessedMeasurement) error {
	payload, err := json.Marshal(NewVerdictEvent(tenantID, processed))
	if err != nil {
		return fmt.Errorf("marshaling verdict event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.writeTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(tenantID + "/" + processed.Verdict.Group.Key()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "decision", Value: []byte(processed.Verdict.Decision)},
			{Key: "tenant_id", Value: []byte(tenantID)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing verdict event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
