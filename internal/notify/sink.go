// Package notify fans engine notifications out to registered sinks
// without ever blocking the emitting goroutine.
package notify

import (
	"context"

	"github.com/tududes/websophon/internal/sophon"
)

// Sink consumes batches of notifications. Implementations must honor
// ctx deadlines and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []sophon.Notification) error
	Close(ctx context.Context) error
}
