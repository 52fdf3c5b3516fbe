package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"qtune/internal/connector/sla"
	"qtune/internal/logger"
)

// KafkaConfig Kafka 告警通道配置
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" env:"BROKERS"`
	Topic    string   `yaml:"topic" env:"TOPIC"`
	ClientID string   `yaml:"client_id" env:"CLIENT_ID"`
}

// KafkaSink 同步写入 Kafka；key 为 connector|breach_type，保证同一违约的事件有序
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	log      logger.Logger
}

// NewKafkaSink dials the brokers and creates a synchronous producer
func NewKafkaSink(cfg KafkaConfig, log logger.Logger) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID
	config.Version = sarama.V2_8_0_0
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 3
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(producer, cfg.Topic, log), nil
}

// NewKafkaSinkWithProducer wraps an existing producer
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string, log logger.Logger) *KafkaSink {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &KafkaSink{producer: producer, topic: topic, log: log}
}

// Publish sends one message per event in a single batch
func (k *KafkaSink) Publish(ctx context.Context, events []sla.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(FromEvent(e))
		if err != nil {
			return err
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic:     k.topic,
			Key:       sarama.StringEncoder(e.Key()),
			Value:     sarama.ByteEncoder(value),
			Timestamp: e.OccurredAt,
			Headers: []sarama.RecordHeader{
				{Key: []byte("event_type"), Value: []byte(e.Type)},
			},
		})
	}

	start := time.Now()
	if err := k.producer.SendMessages(msgs); err != nil {
		if perrs, ok := err.(sarama.ProducerErrors); ok {
			k.log.Error("Kafka delivery failed", "topic", k.topic, "failed", len(perrs), "total", len(msgs))
		}
		return fmt.Errorf("kafka publish: %w", err)
	}
	k.log.Debug("Published SLA events to kafka", "topic", k.topic, "count", len(msgs), "duration", time.Since(start))
	return nil
}

// Close closes the producer
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
