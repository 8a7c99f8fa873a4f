package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/cpstats-sync/internal/config"
)

// Producer publishes sync requests
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducer creates a synchronous producer for the sync-request topic
func NewProducer(cfg *config.KafkaConfig) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return newProducer(producer, cfg.Topic), nil
}

func newProducer(producer sarama.SyncProducer, topic string) *Producer {
	return &Producer{producer: producer, topic: topic}
}

// Publish validates and sends a request, returning its partition and offset
func (p *Producer) Publish(req SyncRequest) (int32, int64, error) {
	if err := req.Validate(); err != nil {
		return 0, 0, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return 0, 0, fmt.Errorf("marshaling sync request: %w", err)
	}

	// Keying by account keeps requests for one account on one partition.
	key := req.Type
	if req.AccountID != "" {
		key = req.AccountID
	}
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("sending sync request: %w", err)
	}
	return partition, offset, nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	return p.producer.Close()
}
