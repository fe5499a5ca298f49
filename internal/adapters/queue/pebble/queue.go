// Package pebble is a durable outreach queue on a local Pebble database.
//
// Keys:
//
//	job:<handle>        JSON record (job + lease flag)
//	ready:<seq>         handle; seq is zero padded so keys sort FIFO
//
// Jobs leased when the process stopped are made ready again on Open, so an
// outreach action is delivered at least once across restarts.
package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	pebble "github.com/cockroachdb/pebble"

	"github.com/PabloGalante/sourcing-agent/internal/domain"
	"github.com/PabloGalante/sourcing-agent/internal/observability"
)

const (
	jobPrefix   = "job:"
	readyPrefix = "ready:"
)

type record struct {
	Job    domain.OutreachJob `json:"job"`
	Seq    uint64             `json:"seq"`
	Leased bool               `json:"leased"`
}

type Queue struct {
	mu     sync.Mutex
	db     *pebble.DB
	seq    uint64
	closed bool

	wake chan struct{}
	done chan struct{}
}

func Open(path string) (*Queue, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open outreach queue: %w", err)
	}

	q := &Queue{
		db:   db,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if err := q.recover(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func jobKey(h domain.CallHandle) []byte { return []byte(jobPrefix + string(h)) }
func readyKey(seq uint64) []byte      { return []byte(fmt.Sprintf("%s%020d", readyPrefix, seq)) }

func prefixBounds(prefix string) *pebble.IterOptions {
	upper := []byte(prefix)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upper}
}

// recover re-queues leased jobs and restores the sequence counter.
func (q *Queue) recover() error {
	it, err := q.db.NewIter(prefixBounds(jobPrefix))
	if err != nil {
		return err
	}
	var requeue []record
	for ok := it.First(); ok; ok = it.Next() {
		var rec record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			_ = it.Close()
			return fmt.Errorf("decode queued job %s: %w", it.Key(), err)
		}
		if rec.Seq > q.seq {
			q.seq = rec.Seq
		}
		if rec.Leased {
			requeue = append(requeue, rec)
		}
	}
	if err := it.Close(); err != nil {
		return err
	}

	if len(requeue) == 0 {
		return nil
	}
	b := q.db.NewBatch()
	defer b.Close()
	for _, rec := range requeue {
		if err := q.stageReady(b, rec); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}
	observability.Logger().Info("outreach queue recovered leased jobs", "count", len(requeue))
	return nil
}

// stageReady writes rec as not leased with a fresh ready key. Requires q.mu
// (or exclusive access during Open).
func (q *Queue) stageReady(b *pebble.Batch, rec record) error {
	q.seq++
	rec.Seq = q.seq
	rec.Leased = false
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := b.Set(jobKey(rec.Job.Handle), raw, nil); err != nil {
		return err
	}
	return b.Set(readyKey(rec.Seq), []byte(rec.Job.Handle), nil)
}

func (q *Queue) get(h domain.CallHandle) (record, bool, error) {
	v, closer, err := q.db.Get(jobKey(h))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return record{}, false, nil
		}
		return record{}, false, err
	}
	defer closer.Close()

	var rec record
	if err := json.Unmarshal(v, &rec); err != nil {
		return record{}, false, fmt.Errorf("decode queued job %s: %w", h, err)
	}
	return rec, true, nil
}

func (q *Queue) put(rec record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return q.db.Set(jobKey(rec.Job.Handle), raw, pebble.Sync)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ─────────────────────────────────────────
// OutreachQueue implementation
// ─────────────────────────────────────────

func (q *Queue) Enqueue(ctx context.Context, job domain.OutreachJob) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, domain.ErrQueueClosed
	}
	_, exists, err := q.get(job.Handle)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := q.stageReady(b, record{Job: job}); err != nil {
		return false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.Handle, err)
	}
	q.signal()
	return true, nil
}

func (q *Queue) Next(ctx context.Context) (domain.OutreachJob, error) {
	for {
		job, ok, err := q.lease()
		if err != nil || ok {
			return job, err
		}

		select {
		case <-ctx.Done():
			return domain.OutreachJob{}, ctx.Err()
		case <-q.done:
			return domain.OutreachJob{}, domain.ErrQueueClosed
		case <-q.wake:
		}
	}
}

func (q *Queue) lease() (domain.OutreachJob, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.OutreachJob{}, false, domain.ErrQueueClosed
	}

	it, err := q.db.NewIter(prefixBounds(readyPrefix))
	if err != nil {
		return domain.OutreachJob{}, false, err
	}
	var (
		key    []byte
		handle domain.CallHandle
		more   bool
	)
	if it.First() {
		key = append([]byte(nil), it.Key()...)
		handle = domain.CallHandle(it.Value())
		more = it.Next()
	}
	if err := it.Close(); err != nil {
		return domain.OutreachJob{}, false, err
	}
	if key == nil {
		return domain.OutreachJob{}, false, nil
	}

	rec, exists, err := q.get(handle)
	if err != nil {
		return domain.OutreachJob{}, false, err
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return domain.OutreachJob{}, false, err
	}
	if exists {
		rec.Leased = true
		rec.Job.Deliveries++
		raw, err := json.Marshal(rec)
		if err != nil {
			return domain.OutreachJob{}, false, err
		}
		if err := b.Set(jobKey(handle), raw, nil); err != nil {
			return domain.OutreachJob{}, false, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return domain.OutreachJob{}, false, err
	}

	if more {
		q.signal()
	}
	if !exists {
		// Acked while still indexed as ready; try the next key.
		q.signal()
		return domain.OutreachJob{}, false, nil
	}
	return rec.Job, true, nil
}

func (q *Queue) Checkpoint(ctx context.Context, job domain.OutreachJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, exists, err := q.get(job.Handle)
	if err != nil {
		return err
	}
	if !exists || !rec.Leased {
		return domain.ErrNotFound
	}
	rec.Job.ProviderCallID = job.ProviderCallID
	return q.put(rec)
}

func (q *Queue) Ack(ctx context.Context, handle domain.CallHandle) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.Delete(jobKey(handle), pebble.Sync)
}

func (q *Queue) Nack(ctx context.Context, handle domain.CallHandle) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, exists, err := q.get(handle)
	if err != nil {
		return err
	}
	if !exists || !rec.Leased {
		return domain.ErrNotFound
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := q.stageReady(b, rec); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}
	q.signal()
	return nil
}

func (q *Queue) Has(ctx context.Context, handle domain.CallHandle) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, exists, err := q.get(handle)
	return exists, err
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return q.db.Close()
}
