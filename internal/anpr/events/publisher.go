// Package events publishes consolidated plate records onto a Kafka topic so
// downstream consumers (gate controllers, analytics) receive them without
// polling the database.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/platewatch-data/platewatch/internal/anpr"
	"github.com/platewatch-data/platewatch/internal/monitoring"
)

// Publisher is an optional second persistence sink: records are produced to
// a topic keyed by camera id. Delivery is fire-and-forget; failed deliveries
// are logged from the report channel and never block the pipeline.
type Publisher struct {
	producer *kafka.Producer
	topic    string
	reports  chan kafka.Event
	done     chan struct{}
}

// NewPublisher connects a producer to the given bootstrap servers.
func NewPublisher(bootstrapServers, topic string) (*Publisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"acks":               "all",
		"enable.idempotence": true,
		"compression.type":   "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := &Publisher{
		producer: producer,
		topic:    topic,
		reports:  make(chan kafka.Event, 256),
		done:     make(chan struct{}),
	}
	go p.drainReports()
	return p, nil
}

// Save implements anpr.PersistenceSink.
func (p *Publisher) Save(rec *anpr.ConsolidatedRecord) error {
	payload, err := RecordMessage(rec)
	if err != nil {
		return err
	}
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(rec.CameraID),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "plate", Value: []byte(rec.Plate)},
			{Key: "direction", Value: []byte(rec.Direction)},
		},
	}
	if err := p.producer.Produce(msg, p.reports); err != nil {
		return fmt.Errorf("produce record %s: %w", rec.ID, err)
	}
	return nil
}

// drainReports consumes delivery confirmations so the producer queue never
// backs up; failures are only logged.
func (p *Publisher) drainReports() {
	for {
		select {
		case <-p.done:
			return
		case e := <-p.reports:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil {
				monitoring.Logf("events: delivery failed for key %s: %v", m.Key, m.TopicPartition.Error)
			}
		}
	}
}

// Close flushes outstanding messages and releases the producer.
func (p *Publisher) Close() {
	p.producer.Flush(5000)
	close(p.done)
	p.producer.Close()
}

// RecordMessage serializes a record to its wire form. Split out so the
// mapping is testable without a broker.
func RecordMessage(rec *anpr.ConsolidatedRecord) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	return payload, nil
}
