package pebble_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pebblequeue "github.com/PabloGalante/sourcing-agent/internal/adapters/queue/pebble"
	"github.com/PabloGalante/sourcing-agent/internal/domain"
)

func job(h string) domain.OutreachJob {
	return domain.OutreachJob{
		Handle:    domain.CallHandle(h),
		Ref:       domain.OptionRef{TaskID: "t", MessageID: "m", OptionID: "o"},
		Name:      "Vendor",
		Phone:     "+100",
		Script:    "50 folding chairs",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestQueue_DedupAndAck(t *testing.T) {
	q, err := pebblequeue.Open(t.TempDir())
	require.NoError(t, err)
	defer q.Close()
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, job("t/m/o#1"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Enqueue(ctx, job("t/m/o#1"))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "50 folding chairs", got.Script)
	assert.Equal(t, domain.OptionID("o"), got.Ref.OptionID)
	assert.Equal(t, 1, got.Deliveries)

	require.NoError(t, q.Ack(ctx, got.Handle))
	has, err := q.Has(ctx, got.Handle)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestQueue_FIFOOrder(t *testing.T) {
	q, err := pebblequeue.Open(t.TempDir())
	require.NoError(t, err)
	defer q.Close()
	ctx := context.Background()

	handles := []string{"a#1", "b#1", "c#1"}
	for _, h := range handles {
		_, err := q.Enqueue(ctx, job(h))
		require.NoError(t, err)
	}
	for _, h := range handles {
		got, err := q.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.CallHandle(h), got.Handle)
	}
}

func TestQueue_LeasedJobsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	q, err := pebblequeue.Open(dir)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job("a#1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job("b#1"))
	require.NoError(t, err)

	leased, err := q.Next(ctx)
	require.NoError(t, err)
	leased.ProviderCallID = "call-42"
	require.NoError(t, q.Checkpoint(ctx, leased))
	require.NoError(t, q.Close())

	q, err = pebblequeue.Open(dir)
	require.NoError(t, err)
	defer q.Close()

	first, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CallHandle("b#1"), first.Handle)

	second, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CallHandle("a#1"), second.Handle)
	assert.Equal(t, "call-42", second.ProviderCallID, "checkpoint survives restart")
	assert.Equal(t, 2, second.Deliveries)

	ok, err := q.Enqueue(ctx, job("c#1"))
	require.NoError(t, err)
	require.True(t, ok)
	third, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CallHandle("c#1"), third.Handle, "sequence continues after recovery")
}

func TestQueue_NackRedelivers(t *testing.T) {
	q, err := pebblequeue.Open(t.TempDir())
	require.NoError(t, err)
	defer q.Close()
	ctx := context.Background()

	_, err = q.Enqueue(ctx, job("a#1"))
	require.NoError(t, err)
	got, err := q.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, got.Handle))

	again, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, got.Handle, again.Handle)
	assert.Equal(t, 2, again.Deliveries)

	assert.ErrorIs(t, q.Nack(ctx, "unknown#1"), domain.ErrNotFound)
}

func TestQueue_CloseUnblocksNext(t *testing.T) {
	q, err := pebblequeue.Open(t.TempDir())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, domain.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}
