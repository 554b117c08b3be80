package publisher

import (
	"fmt"
	"sync"

	"github.com/openqs/vms/cfg"
)

// SinkFactory builds a Sink from its configuration block
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var factories sync.Map // sink type -> SinkFactory

// RegisterSink makes a sink type available to NewRegistry. Sink packages
// call it from init. Registering a type again replaces the factory.
func RegisterSink(sinkType string, factory SinkFactory) {
	factories.Store(sinkType, factory)
}

func openSink(sc cfg.SinkConfiguration) (Sink, error) {
	f, ok := factories.Load(sc.Type)
	if !ok {
		return nil, fmt.Errorf("unknown sink type: %s", sc.Type)
	}
	return f.(SinkFactory)(sc)
}
