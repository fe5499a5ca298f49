// Package memory is a process-local outreach queue. Jobs are lost on restart.
package memory

import (
	"context"
	"sync"

	"github.com/PabloGalante/sourcing-agent/internal/domain"
)

type Queue struct {
	mu     sync.Mutex
	ready  []domain.CallHandle
	jobs   map[domain.CallHandle]*domain.OutreachJob
	leased map[domain.CallHandle]bool
	closed bool

	wake chan struct{}
	done chan struct{}
}

func New() *Queue {
	return &Queue{
		jobs:   make(map[domain.CallHandle]*domain.OutreachJob),
		leased: make(map[domain.CallHandle]bool),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Enqueue(ctx context.Context, job domain.OutreachJob) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, domain.ErrQueueClosed
	}
	if _, ok := q.jobs[job.Handle]; ok {
		return false, nil
	}
	j := job
	q.jobs[job.Handle] = &j
	q.ready = append(q.ready, job.Handle)
	q.signal()
	return true, nil
}

func (q *Queue) Next(ctx context.Context) (domain.OutreachJob, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return domain.OutreachJob{}, domain.ErrQueueClosed
		}
		if len(q.ready) > 0 {
			h := q.ready[0]
			q.ready = q.ready[1:]
			job := q.jobs[h]
			job.Deliveries++
			q.leased[h] = true
			if len(q.ready) > 0 {
				q.signal()
			}
			out := *job
			q.mu.Unlock()
			return out, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.OutreachJob{}, ctx.Err()
		case <-q.done:
			return domain.OutreachJob{}, domain.ErrQueueClosed
		case <-q.wake:
		}
	}
}

func (q *Queue) Checkpoint(ctx context.Context, job domain.OutreachJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.jobs[job.Handle]
	if !ok || !q.leased[job.Handle] {
		return domain.ErrNotFound
	}
	cur.ProviderCallID = job.ProviderCallID
	return nil
}

func (q *Queue) Ack(ctx context.Context, handle domain.CallHandle) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.jobs, handle)
	delete(q.leased, handle)
	return nil
}

func (q *Queue) Nack(ctx context.Context, handle domain.CallHandle) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.leased[handle] {
		return domain.ErrNotFound
	}
	delete(q.leased, handle)
	q.ready = append(q.ready, handle)
	q.signal()
	return nil
}

func (q *Queue) Has(ctx context.Context, handle domain.CallHandle) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.jobs[handle]
	return ok, nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
