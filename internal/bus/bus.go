package bus

import (
	"fmt"

	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/opensource-finance/surveil/internal/metrics"
)

// New returns the event bus named by cfg.Type: "channel" for the in-process
// Community bus, "nats" for the Pro bus. m may be nil.
func New(cfg domain.EventBusConfig, m *metrics.Metrics) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		b := NewChannelBus(cfg.ChannelBufferSize)
		b.metrics = m
		return b, nil

	case "nats":
		b, err := NewNATSBus(cfg)
		if err != nil {
			return nil, err
		}
		b.metrics = m
		return b, nil

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
