package sink

import (
	"testing"

	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/publisher"
	"github.com/stretchr/testify/assert"
)

func TestStreamSubjects(t *testing.T) {
	assert.Equal(t, "vms.events.vehicle-7.>", streamSubjects("vms.events.vehicle-7.command_terminal"))
	assert.Equal(t, "vehicle-7.>", streamSubjects("vehicle-7.session_created"))
	assert.Equal(t, "bare", streamSubjects("bare"))
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "VMS_EVENTS_VEHICLE-7", streamName("vms.events.vehicle-7.>"))
	assert.Equal(t, "A_B_C", streamName("a b/c"))
}

func TestNatsTypeRequiresURL(t *testing.T) {
	_, err := publisher.NewRegistry(publisher.RegistryConfig{
		VehicleID:   "7",
		SinkConfigs: []cfg.SinkConfiguration{{Name: "n", Type: NatsType}},
	})
	assert.ErrorContains(t, err, "nats_url")
}
