package notify

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Journal appends every confirmed payment to a kafka topic so downstream
// bot consumers can replay the stream independently of the hub.
type Journal struct {
	w *kafka.Writer
}

func NewJournal(brokers []string, topic string) *Journal {
	return &Journal{w: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}}
}

func (j *Journal) Publish(ctx context.Context, orderID string, body []byte) error {
	return j.w.WriteMessages(ctx, kafka.Message{Key: []byte(orderID), Value: body})
}

func (j *Journal) Close() error { return j.w.Close() }
