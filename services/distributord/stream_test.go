package distributord

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"batchsettle/core/events"
)

type untyped struct{}

func (untyped) EventType() string { return "untyped" }

func TestEventStreamHistoryAndCursor(t *testing.T) {
	stream := NewEventStream(StreamConfig{History: 2, Buffer: 4})
	stream.nowFn = func() time.Time { return time.Unix(42, 0) }

	stream.Emit(untyped{})
	for i := uint64(1); i <= 3; i++ {
		stream.Emit(events.RefundIssued{Amount: uint256.NewInt(i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	updates, unsubscribe, backlog := stream.Subscribe(ctx, "")
	require.Len(t, backlog, 2)
	require.Equal(t, uint64(2), backlog[0].Sequence)
	require.Equal(t, "3", backlog[1].Cursor)
	require.Equal(t, int64(42), backlog[1].Timestamp)
	require.Equal(t, events.TypeRefundIssued, backlog[1].Type)

	_, drop, resumed := stream.Subscribe(ctx, "2")
	require.Len(t, resumed, 1)
	require.Equal(t, uint64(3), resumed[0].Sequence)
	drop()
	drop()

	stream.Emit(events.RefundIssued{Amount: uint256.NewInt(9)})
	select {
	case update := <-updates:
		require.Equal(t, uint64(4), update.Sequence)
		require.Equal(t, "9", update.Attributes["amount"])
	case <-time.After(time.Second):
		t.Fatal("no live update")
	}
	require.Equal(t, 1, stream.Subscribers())

	cancel()
	unsubscribe()
	require.Eventually(t, func() bool { return stream.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEventStreamDropsForSlowSubscribers(t *testing.T) {
	stream := NewEventStream(StreamConfig{Buffer: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, _, _ := stream.Subscribe(ctx, "")

	stream.Emit(events.RefundIssued{Amount: uint256.NewInt(1)})
	stream.Emit(events.RefundIssued{Amount: uint256.NewInt(2)})

	first := <-updates
	require.Equal(t, uint64(1), first.Sequence)
	select {
	case extra := <-updates:
		t.Fatalf("unexpected buffered update %d", extra.Sequence)
	default:
	}
}
