package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"shopchat/internal/models"

	"github.com/segmentio/kafka-go"
)

// Producer publishes persisted chat messages for downstream consumers
// (push notifications, analytics). Best-effort: callers log and continue
// on failure.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			WriteTimeout:           5 * time.Second,
			AllowAutoTopicCreation: true,
		},
	}
}

// PublishMessage writes one message event keyed by room id so a room's
// events stay on one partition, preserving their order for consumers.
func (p *Producer) PublishMessage(ctx context.Context, msg *models.ChatMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.Itoa(int(msg.RoomID))),
		Value: payload,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
