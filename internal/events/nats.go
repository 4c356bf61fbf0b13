package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher bridges the bus onto NATS subjects so external consumers
// (gateways, dashboards) can follow study progress without touching the core.
//
// Subjects follow "studies.<tenant>.<study>.<type>"; events with no study
// scope (worker lifecycle, pool health) publish under "studies._system.<type>".
// Publishing is best-effort: a failed publish is logged and dropped.
type NATSPublisher struct {
	nc     *nats.Conn
	logger *zap.Logger
	prefix string
}

// NewNATSPublisher creates a publisher on an established connection.
func NewNATSPublisher(nc *nats.Conn, logger *zap.Logger) (*NATSPublisher, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, logger: logger, prefix: "studies"}, nil
}

// Listener returns the bus listener that publishes each event.
func (p *NATSPublisher) Listener() Listener {
	return func(ev Event) {
		subject := p.subject(ev)
		payload, err := json.Marshal(ev)
		if err != nil {
			p.logger.Error("failed to marshal event", zap.Error(err))
			return
		}
		if err := p.nc.Publish(subject, payload); err != nil {
			p.logger.Warn("failed to publish event",
				zap.String("subject", subject),
				zap.Error(err),
			)
		}
	}
}

func (p *NATSPublisher) subject(ev Event) string {
	if ev.StudyID == "" {
		return fmt.Sprintf("%s._system.%s", p.prefix, ev.Type)
	}
	tenant := ev.TenantID
	if tenant == "" {
		tenant = "_unknown"
	}
	return fmt.Sprintf("%s.%s.%s.%s", p.prefix, tenant, ev.StudyID, ev.Type)
}
