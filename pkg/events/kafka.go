package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/zjoart/go-payment-ledger/pkg/logger"
)

const (
	PaymentCompleted = "payment.completed"
	PaymentFailed    = "payment.failed"
	PaymentRefunded  = "payment.refunded"
)

// Settlement announces a ledger-affecting outcome to downstream consumers.
type Settlement struct {
	Type              string    `json:"type"`
	TransactionID     string    `json:"transaction_id"`
	MerchantReference string    `json:"merchant_reference"`
	ExternalReference string    `json:"external_reference"`
	Gateway           string    `json:"gateway"`
	UserID            string    `json:"user_id"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	OccurredAt        time.Time `json:"occurred_at"`
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher returns a publisher that drops everything when no
// brokers are configured.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if len(brokers) == 0 || topic == "" {
		logger.Info("Kafka not configured, settlement events disabled")
		return &KafkaPublisher{}
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	}
	logger.Info("Kafka writer initialized", logger.Fields{"brokers": brokers, "topic": topic})
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Enabled() bool {
	return p.writer != nil
}

// Publish keys messages by transaction id so one payment's events stay ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, s Settlement) error {
	if p.writer == nil {
		return nil
	}

	value, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement: %w", err)
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(s.TransactionID),
		Value: value,
		Time:  s.OccurredAt,
	})
}

func (p *KafkaPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
