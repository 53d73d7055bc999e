// Package publisher forwards stored candles to Kafka for downstream consumers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/navid-fn/candlekeeper/internal/candle"
)

const writeTimeout = 5 * time.Second

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the payload written for every candle.
type Event struct {
	Key      string        `json:"key"`
	Interval string        `json:"interval"`
	Candle   candle.Candle `json:"candle"`
}

// Kafka publishes candle events keyed by bucket key, so one bucket always
// lands on one partition.
type Kafka struct {
	writer MessageWriter
}

// NewKafkaWriter builds the async writer the publisher expects.
func NewKafkaWriter(broker, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Compression:  kafka.Zstd,
	}
}

func NewKafka(writer MessageWriter) *Kafka {
	return &Kafka{writer: writer}
}

// Publish writes one event.
func (p *Kafka) Publish(ctx context.Context, key candle.Key, c candle.Candle) error {
	data, err := json.Marshal(Event{Key: key.String(), Interval: key.Interval.String(), Candle: c})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, kafka.Message{Key: []byte(key.String()), Value: data}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

func (p *Kafka) Close() error {
	return p.writer.Close()
}
