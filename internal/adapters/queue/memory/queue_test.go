package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/sourcing-agent/internal/adapters/queue/memory"
	"github.com/PabloGalante/sourcing-agent/internal/domain"
)

func job(h string) domain.OutreachJob {
	return domain.OutreachJob{Handle: domain.CallHandle(h), Name: "Vendor", Phone: "+100"}
}

func TestQueue_DedupByHandle(t *testing.T) {
	q := memory.New()
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, job("t/m/o#1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(ctx, job("t/m/o#1"))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Deliveries)

	ok, err = q.Enqueue(ctx, job("t/m/o#1"))
	require.NoError(t, err)
	assert.False(t, ok, "in flight jobs are deduplicated too")

	require.NoError(t, q.Ack(ctx, got.Handle))
	has, err := q.Has(ctx, got.Handle)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestQueue_FIFOAndNackRedelivers(t *testing.T) {
	q := memory.New()
	ctx := context.Background()

	for _, h := range []string{"a#1", "b#1"} {
		_, err := q.Enqueue(ctx, job(h))
		require.NoError(t, err)
	}

	first, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CallHandle("a#1"), first.Handle)

	first.ProviderCallID = "call-1"
	require.NoError(t, q.Checkpoint(ctx, first))
	require.NoError(t, q.Nack(ctx, first.Handle))

	second, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CallHandle("b#1"), second.Handle)

	again, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CallHandle("a#1"), again.Handle)
	assert.Equal(t, "call-1", again.ProviderCallID)
	assert.Equal(t, 2, again.Deliveries)
}

func TestQueue_NextBlocksUntilEnqueueOrClose(t *testing.T) {
	q := memory.New()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan domain.OutreachJob, 1)
	go func() {
		j, err := q.Next(context.Background())
		if err == nil {
			got <- j
		}
	}()
	_, err = q.Enqueue(context.Background(), job("x#1"))
	require.NoError(t, err)

	select {
	case j := <-got:
		assert.Equal(t, domain.CallHandle("x#1"), j.Handle)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}

	require.NoError(t, q.Close())
	_, err = q.Next(context.Background())
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
	_, err = q.Enqueue(context.Background(), job("y#1"))
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
}
