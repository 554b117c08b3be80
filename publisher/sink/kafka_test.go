package sink

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/publisher"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaOptionsFromConfig(t *testing.T) {
	opts := KafkaOptionsFrom(cfg.SinkConfiguration{
		Name:         "ops",
		Type:         KafkaType,
		Brokers:      []string{"ground-1:9092", "ground-2:9092"},
		BatchSize:    4,
		PublishTimeS: 3,
	})

	assert.Equal(t, []string{"ground-1:9092", "ground-2:9092"}, opts.Brokers)
	assert.Equal(t, 4, opts.BatchSize)
	assert.Equal(t, kafka.RequireAll, opts.Acks)
	assert.Equal(t, 3*time.Second, opts.Timeout)
}

func TestNewKafkaSinkDefaults(t *testing.T) {
	s, err := NewKafkaSink(KafkaOptions{Brokers: []string{"localhost:9092"}, Acks: kafka.RequireOne})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, DefaultKafkaBatchSize, s.writer.BatchSize)
	assert.Equal(t, kafkaBatchTimeout, s.writer.BatchTimeout)
	assert.Equal(t, kafka.RequireOne, s.writer.RequiredAcks)
	assert.Equal(t, 1, s.writer.MaxAttempts)
	assert.False(t, s.writer.Async)
	assert.Equal(t, DefaultKafkaPublishTimeout, s.timeout)
	assert.Equal(t, DefaultKafkaPublishTimeout, s.writer.WriteTimeout)
}

func TestNewKafkaSinkRequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaOptions{})
	assert.Error(t, err)
}

func TestKafkaTypeRegistered(t *testing.T) {
	_, err := publisher.NewRegistry(publisher.RegistryConfig{
		VehicleID:   "vehicle-7",
		SinkConfigs: []cfg.SinkConfiguration{{Name: "ops", Type: KafkaType}},
	})
	// Known type: the failure comes from the factory, not the lookup
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker")
}

func TestMockSinkRecords(t *testing.T) {
	m := &MockSink{}
	require.NoError(t, m.Publish("vms.7.command_terminal", "7", []byte{0x81}))

	got := m.Published()
	require.Len(t, got, 1)
	assert.Equal(t, MockMessage{Topic: "vms.7.command_terminal", Key: "7", Value: []byte{0x81}}, got[0])

	m.Reset()
	assert.Empty(t, m.Published())
	assert.NoError(t, m.Close())
}

func TestMockSinkFailure(t *testing.T) {
	boom := errors.New("link down")
	m := &MockSink{PublishErr: boom}

	assert.ErrorIs(t, m.Publish("t", "k", nil), boom)
	assert.Empty(t, m.Published())
}

func TestMockSinkConcurrentPublish(t *testing.T) {
	m := &MockSink{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Publish("t", "k", nil)
		}()
	}
	wg.Wait()
	assert.Len(t, m.Published(), 10)
}
