package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/publisher"
)

const (
	NatsType                  = "nats"
	DefaultNatsPublishTimeout = 5 * time.Second
	DefaultNatsMaxAge         = 7 * 24 * time.Hour
)

func init() {
	publisher.RegisterSink(NatsType, func(sc cfg.SinkConfiguration) (publisher.Sink, error) {
		if sc.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		timeout := time.Duration(sc.PublishTimeS) * time.Second
		if timeout <= 0 {
			timeout = DefaultNatsPublishTimeout
		}
		return NewNatsSink(sc.NatsURL, timeout)
	})
}

// NatsSink publishes into JetStream with one stream per subject family, so
// all event types of a vehicle share a stream. The connection keeps retrying
// in the background while the vehicle is out of coverage.
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	timeout time.Duration
	ensured map[string]struct{} // worker goroutine only
}

func NewNatsSink(url string, timeout time.Duration) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("vms-events"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &NatsSink{nc: nc, js: js, timeout: timeout, ensured: map[string]struct{}{}}, nil
}

// Publish sends value on subject topic with the key in a "key" header
func (n *NatsSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}
	msg := nats.NewMsg(topic)
	msg.Data = value
	msg.Header.Set("key", key)
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (n *NatsSink) ensureStream(ctx context.Context, topic string) error {
	subjects := streamSubjects(topic)
	if _, ok := n.ensured[subjects]; ok {
		return nil
	}
	name := streamName(subjects)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    DefaultNatsMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}
	n.ensured[subjects] = struct{}{}
	return nil
}

func (n *NatsSink) Close() error {
	if n.nc != nil {
		return n.nc.Drain()
	}
	return nil
}

// streamSubjects maps "prefix.vehicle.type" to "prefix.vehicle.>"
func streamSubjects(topic string) string {
	i := strings.LastIndexByte(topic, '.')
	if i < 0 {
		return topic
	}
	return topic[:i] + ".>"
}

// streamName makes a JetStream-legal name from a subject filter
func streamName(subjects string) string {
	name := strings.TrimSuffix(subjects, ".>")
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>', '/', '\\':
			return '_'
		}
		return r
	}, strings.ToUpper(name))
}
