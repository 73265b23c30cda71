package queue

import (
	"context"

	"github.com/renflow/runner/pkg/events"
	"github.com/renflow/runner/pkg/infrastructure/eventbus"
)

// BusRelay returns a worker that republishes each message on bus with the
// message type as record type and source as record source. The job id
// becomes the record id, so a retried job is delivered once.
func BusRelay(bus *eventbus.Bus, source string) WorkerFunc {
	return func(ctx context.Context, msg Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		bus.Publish(events.Record{
			ID:        msg.ID,
			Source:    source,
			Type:      msg.Type,
			Payload:   msg.Payload,
			Timestamp: events.NowMillis(),
		})
		return nil
	}
}
