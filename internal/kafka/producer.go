package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shopflow/settlement-engine/internal/config"
	"github.com/shopflow/settlement-engine/internal/engine"
	"github.com/shopflow/settlement-engine/internal/settlement"
)

// Producer publishes audit events to Kafka. The engine treats emission as
// fire-and-forget: a write failure is logged and counted, never propagated
// into a money transaction.
type Producer struct {
	writers map[string]*kafka.Writer
	config  config.KafkaConfig
	logger  *slog.Logger
}

// NewProducer creates a producer with one writer per audit topic
func NewProducer(cfg config.KafkaConfig, logger *slog.Logger) *Producer {
	producer := &Producer{
		writers: make(map[string]*kafka.Writer),
		config:  cfg,
		logger:  logger,
	}

	topicByEvent := map[string]string{
		engine.EventOrderStatusChanged:      cfg.Topics.OrderStatusChanged,
		engine.EventCommissionPending:       cfg.Topics.CommissionPending,
		engine.EventCommissionReversed:      cfg.Topics.CommissionReversed,
		settlement.EventCommissionReleased:  cfg.Topics.CommissionReleased,
		settlement.EventCommissionHeld:      cfg.Topics.CommissionHeld,
		settlement.EventPartnerTierUpgraded: cfg.Topics.PartnerTierChanged,
	}

	for eventType, topic := range topicByEvent {
		producer.writers[eventType] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		}
	}

	return producer
}

// Emit publishes one audit event. Payload fields are preserved verbatim.
func (p *Producer) Emit(ctx context.Context, eventType string, payload map[string]interface{}) {
	writer, exists := p.writers[eventType]
	if !exists {
		p.logger.Warn("No topic configured for audit event", "event_type", eventType)
		return
	}

	envelope := map[string]interface{}{
		"event_type": eventType,
		"emitted_at": time.Now().UTC(),
		"payload":    payload,
	}

	value, err := json.Marshal(envelope)
	if err != nil {
		p.logger.Error("Failed to serialize audit event", "event_type", eventType, "error", err)
		return
	}

	key := ""
	if id, ok := payload["partner_id"].(string); ok {
		key = id
	} else if id, ok := payload["order_id"].(string); ok {
		key = id
	}

	message := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "source-service", Value: []byte("settlement-engine")},
		},
	}

	if err := writer.WriteMessages(ctx, message); err != nil {
		p.logger.Error("Failed to publish audit event",
			"event_type", eventType,
			"topic", writer.Topic,
			"error", err)
		return
	}

	p.logger.Debug("Audit event published", "event_type", eventType, "topic", writer.Topic)
}

// Close closes all topic writers
func (p *Producer) Close() error {
	var firstErr error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
