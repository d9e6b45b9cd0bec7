package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/notify/sinks"
	"github.com/tududes/websophon/internal/sophon"
)

func TestHub_DeliversToAllSinks(t *testing.T) {
	t.Parallel()

	a := sinks.NewMemorySink()
	b := sinks.NewMemorySink()
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond, Logger: zap.NewNop()}, a, b)

	hub.Notify(sophon.Notification{Kind: sophon.NotifyEventCreated, Domain: "example.com"})
	hub.Notify(sophon.Notification{Kind: sophon.NotifyEventUpdated, Domain: "example.com"})

	require.Eventually(t, func() bool {
		return len(a.Notifications()) == 2 && len(b.Notifications()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close(context.Background()))
	require.True(t, a.Closed())
	require.True(t, b.Closed())
}

func TestHub_CloseDrainsBufferedNotifications(t *testing.T) {
	t.Parallel()

	sink := sinks.NewMemorySink()
	hub := NewHub(Config{MaxBatchWait: time.Hour, Logger: zap.NewNop()}, sink)

	for i := 0; i < 10; i++ {
		hub.Notify(sophon.Notification{Kind: sophon.NotifyEventCreated})
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Notifications(), 10)

	// After close new notifications are ignored, not delivered.
	hub.Notify(sophon.Notification{Kind: sophon.NotifyEventCreated})
	require.Len(t, sink.Notifications(), 10)
}

func TestHub_NeverBlocksWhenBufferFull(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{BufferSize: 1, MaxBatchWait: time.Hour, Logger: zap.NewNop()})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Notify(sophon.Notification{Kind: sophon.NotifyEventCreated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full buffer")
	}
	require.NoError(t, hub.Close(context.Background()))
}
