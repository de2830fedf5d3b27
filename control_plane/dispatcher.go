package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fleetward/fleetward/control_plane/bus"
	"github.com/fleetward/fleetward/control_plane/observability"
)

// ErrBatchFailed reports that the bus was unreachable and no command in the
// batch was sent. Callers must roll back any claims taken for the batch so
// the next tick retries the whole thing.
var ErrBatchFailed = errors.New("dispatch: whole batch failed, nothing sent")

// DispatchResult is the per-item outcome of one batch.
type DispatchResult struct {
	Command bus.Command
	Err     error
}

// BulkDispatcher fans a batch of commands out to the bus, one message per
// agent, fire and forget. A dead bus fails the batch atomically before
// anything is published; a per-item failure after that is logged and counted
// but already-sent commands are not recalled.
type BulkDispatcher struct {
	publisher bus.Publisher
	limiter   *rate.Limiter
	log       zerolog.Logger
}

// NewBulkDispatcher wires a dispatcher. publishRate bounds messages per
// second across batches so a large fleet does not saturate the bus; burst
// covers the common small batch without throttling.
func NewBulkDispatcher(publisher bus.Publisher, publishRate rate.Limit, burst int, log zerolog.Logger) *BulkDispatcher {
	return &BulkDispatcher{
		publisher: publisher,
		limiter:   rate.NewLimiter(publishRate, burst),
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch publishes the batch. Returns ErrBatchFailed when the bus is
// unreachable up front; otherwise a per-item result slice aligned with cmds.
func (d *BulkDispatcher) Dispatch(ctx context.Context, cmds []bus.Command) ([]DispatchResult, error) {
	if len(cmds) == 0 {
		return nil, nil
	}

	// Ping first so an unreachable backend fails before any claim-backed
	// command is half-sent.
	if err := d.publisher.Ping(ctx); err != nil {
		observability.BusBatchFailures.Inc()
		d.log.Error().Err(err).Int("batch", len(cmds)).Msg("bus unreachable, batch aborted")
		return nil, ErrBatchFailed
	}

	results := make([]DispatchResult, len(cmds))
	for i, cmd := range cmds {
		results[i].Command = cmd

		if err := d.limiter.Wait(ctx); err != nil {
			results[i].Err = err
			observability.Dispatches.WithLabelValues(string(cmd.Kind), "error").Inc()
			continue
		}

		err := d.publisher.Publish(ctx, cmd)
		if errors.Is(err, bus.ErrUnavailable) && i == 0 {
			// Backend died between ping and the first publish; still nothing
			// sent, so the atomic-failure contract holds.
			observability.BusBatchFailures.Inc()
			return nil, ErrBatchFailed
		}
		if err != nil {
			results[i].Err = err
			observability.Dispatches.WithLabelValues(string(cmd.Kind), "error").Inc()
			d.log.Error().Err(err).
				Str("agent_id", cmd.AgentID).
				Str("kind", string(cmd.Kind)).
				Msg("publish failed, not recalled")
			continue
		}
		observability.Dispatches.WithLabelValues(string(cmd.Kind), "ok").Inc()
	}
	return results, nil
}
