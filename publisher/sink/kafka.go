package sink

import (
	"context"
	"errors"
	"time"

	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	// KafkaType is the sink type name in [[events.sinks]]
	KafkaType = "kafka"

	DefaultKafkaBatchSize      = 16
	DefaultKafkaPublishTimeout = 10 * time.Second

	// envelopes go out one at a time, waiting out a batch only adds latency
	kafkaBatchTimeout = 10 * time.Millisecond
)

func init() {
	publisher.RegisterSink(KafkaType, func(sc cfg.SinkConfiguration) (publisher.Sink, error) {
		return NewKafkaSink(KafkaOptionsFrom(sc))
	})
}

// KafkaOptions configures a KafkaSink
type KafkaOptions struct {
	Brokers   []string
	BatchSize int
	Acks      kafka.RequiredAcks
	Timeout   time.Duration
}

// KafkaOptionsFrom maps a sink configuration entry onto KafkaOptions
func KafkaOptionsFrom(sc cfg.SinkConfiguration) KafkaOptions {
	return KafkaOptions{
		Brokers:   sc.Brokers,
		BatchSize: sc.BatchSize,
		Acks:      kafka.RequireAll,
		Timeout:   time.Duration(sc.PublishTimeS) * time.Second,
	}
}

// KafkaSink writes envelopes to Kafka with acknowledged synchronous writes.
// Retries are left to the publisher worker.
type KafkaSink struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewKafkaSink creates a sink for the given brokers
func NewKafkaSink(opts KafkaOptions) (*KafkaSink, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka sink requires at least one broker")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultKafkaBatchSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultKafkaPublishTimeout
	}

	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(opts.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchSize:              opts.BatchSize,
			BatchTimeout:           kafkaBatchTimeout,
			RequiredAcks:           opts.Acks,
			MaxAttempts:            1,
			WriteTimeout:           opts.Timeout,
			AllowAutoTopicCreation: true,
		},
		timeout: opts.Timeout,
	}, nil
}

// Publish writes one message. The key is the vehicle id, so every event of a
// vehicle lands on one partition in order.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: value})
}

// Close flushes and closes the writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
