package bus

import (
	"context"
	"errors"
)

// ErrUnavailable reports that the bus backend itself is down, as opposed to a
// per-command delivery problem. Dispatchers treat it as "nothing was sent":
// claims taken for the batch are released so the next cycle retries.
var ErrUnavailable = errors.New("bus: backend unavailable")

// Publisher delivers commands to agents. Delivery is at-most-once from the
// bus's point of view; retry policy lives with the caller via the claim
// window.
type Publisher interface {
	// Publish sends one command to its agent's channel.
	Publish(ctx context.Context, cmd Command) error
	// Ping verifies the backend is reachable. Dispatchers call it before a
	// batch so an unreachable backend fails the whole batch up front.
	Ping(ctx context.Context) error
	Close() error
}
