package interfaces

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"stationsync/internal/analytics/application/eventbus"
	"stationsync/internal/analytics/application/events"
	"stationsync/internal/analytics/domain/rollup"
)

// OperatorLog turns cycle events into log lines an operator can alert on.
type OperatorLog struct {
	logger logrus.FieldLogger
}

// NewOperatorLog constructs the consumer.
func NewOperatorLog(logger logrus.FieldLogger) (*OperatorLog, error) {
	if logger == nil {
		return nil, errors.New("operator log: nil logger")
	}
	return &OperatorLog{logger: logger}, nil
}

// Register subscribes the consumer to bus.
func (c *OperatorLog) Register(bus eventbus.EventBus) {
	eventbus.Subscribe(bus, c.ConsumeBucketsRepaired)
	eventbus.Subscribe(bus, c.ConsumeCycleFailed)
}

// ConsumeBucketsRepaired logs how many buckets a cycle rebuilt per level.
func (c *OperatorLog) ConsumeBucketsRepaired(ctx context.Context, event events.BucketsRepaired) error {
	fields := logrus.Fields{
		"station": event.StationID,
		"from":    event.From,
		"to":      event.To,
	}
	for _, level := range rollup.Levels {
		if n := event.Rebuilt[level] + event.Deleted[level]; n > 0 {
			fields[string(level)] = n
		}
	}
	c.logger.WithFields(fields).Info("buckets repaired")
	return nil
}

// ConsumeCycleFailed logs failed cycles. Permanent failures need an operator
// and are logged as errors.
func (c *OperatorLog) ConsumeCycleFailed(ctx context.Context, event events.StationCycleFailed) error {
	entry := c.logger.WithFields(logrus.Fields{
		"station":  event.StationID,
		"cycle":    event.CycleID,
		"attempt":  event.Attempt,
		"retry_at": event.RetryAt,
	})
	if event.Permanent {
		entry.Errorf("station needs attention: %s", event.Err)
		return nil
	}
	entry.Warnf("station cycle failed: %s", event.Err)
	return nil
}
