package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	ckafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/smallbiznis/storefront/internal/fulfillment/domain"
	"go.uber.org/zap"
)

// Publisher produces supplier orders keyed by order id so every submission
// for one order lands on the same partition.
//
// Delivery is at least once. A supplier order is published before its items
// are marked submitted, so a failed linkage write or a retried effect
// publishes the same supplier order again. Consumers must dedupe on the
// "reference" header, which is stable for an order and supplier pair.
type Publisher struct {
	producer *ckafka.Producer
	topic    string
	log      *zap.Logger
}

func NewPublisher(brokers, topic string, log *zap.Logger) (*Publisher, error) {
	p, err := ckafka.NewProducer(&ckafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"acks":               "all",
		"retries":            10,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, err
	}

	return &Publisher{
		producer: p,
		topic:    topic,
		log:      log.Named("fulfillment.kafka"),
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, order domain.SupplierOrder) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}

	topic := p.topic
	delivery := make(chan ckafka.Event, 1)
	err = p.producer.Produce(&ckafka.Message{
		TopicPartition: ckafka.TopicPartition{
			Topic:     &topic,
			Partition: ckafka.PartitionAny,
		},
		Key:   []byte(fmt.Sprintf("ORDER#%d", order.OrderID)),
		Value: data,
		Headers: []ckafka.Header{
			{Key: "reference", Value: []byte(order.Reference)},
		},
	}, delivery)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-delivery:
		msg, ok := ev.(*ckafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %T", ev)
		}
		if msg.TopicPartition.Error != nil {
			return msg.TopicPartition.Error
		}
		p.log.Debug("supplier order published",
			zap.String("reference", order.Reference),
			zap.Int32("partition", msg.TopicPartition.Partition),
		)
		return nil
	}
}

func (p *Publisher) Close() {
	p.producer.Flush(5000)
	p.producer.Close()
}
