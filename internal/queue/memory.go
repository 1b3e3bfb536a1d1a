package queue

import (
	"container/heap"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"LeaderDrip/internal/models"

	"github.com/patrickmn/go-cache"
)

type entry struct {
	job models.Job
	seq uint64
}

// jobHeap orders entries by less; ties fall back to insertion order.
type jobHeap struct {
	entries []entry
	less    func(a, b models.Job) bool
}

func (h *jobHeap) Len() int { return len(h.entries) }
func (h *jobHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if h.less(a.job, b.job) {
		return true
	}
	if h.less(b.job, a.job) {
		return false
	}
	return a.seq < b.seq
}
func (h *jobHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *jobHeap) Push(x any)    { h.entries = append(h.entries, x.(entry)) }
func (h *jobHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	h.entries = old[:n-1]
	return e
}

func (h *jobHeap) peek() (entry, bool) {
	if len(h.entries) == 0 {
		return entry{}, false
	}
	return h.entries[0], true
}

func byPriority(a, b models.Job) bool { return a.Priority() < b.Priority() }
func byRunAt(a, b models.Job) bool    { return a.RunAt.Before(b.RunAt) }

// MemoryBackend keeps the queue in process. Jobs are lost on restart.
type MemoryBackend struct {
	mu sync.Mutex

	ready     *jobHeap
	delayed   *jobHeap
	active    map[string]models.Job
	completed *cache.Cache
	failed    []models.Job

	seq    uint64
	closed bool

	now func() time.Time
}

// NewMemoryBackend keeps completed jobs for retention before they expire.
func NewMemoryBackend(retention time.Duration) *MemoryBackend {
	return &MemoryBackend{
		ready:     &jobHeap{less: byPriority},
		delayed:   &jobHeap{less: byRunAt},
		active:    make(map[string]models.Job),
		completed: cache.New(retention, retention),
		now:       time.Now,
	}
}

func (b *MemoryBackend) Enqueue(_ context.Context, job models.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBackendClosed
	}
	b.pushLocked(job)
	return nil
}

func (b *MemoryBackend) pushLocked(job models.Job) {
	b.seq++
	e := entry{job: job, seq: b.seq}
	if job.RunAt.After(b.now()) {
		heap.Push(b.delayed, e)
		return
	}
	heap.Push(b.ready, e)
}

// promoteLocked moves delayed jobs that are due onto the ready heap.
func (b *MemoryBackend) promoteLocked() {
	now := b.now()
	for {
		e, ok := b.delayed.peek()
		if !ok || e.job.RunAt.After(now) {
			return
		}
		heap.Pop(b.delayed)
		heap.Push(b.ready, e)
	}
}

func (b *MemoryBackend) Claim(_ context.Context) (models.Job, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return models.Job{}, false, ErrBackendClosed
	}

	b.promoteLocked()
	if b.ready.Len() == 0 {
		return models.Job{}, false, nil
	}

	e := heap.Pop(b.ready).(entry)
	b.active[e.job.ID] = e.job
	return e.job, true, nil
}

func (b *MemoryBackend) takeActiveLocked(job models.Job) error {
	if _, ok := b.active[job.ID]; !ok {
		return fmt.Errorf("queue: job %s is not active", job.ID)
	}
	delete(b.active, job.ID)
	return nil
}

func (b *MemoryBackend) Ack(_ context.Context, job models.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.takeActiveLocked(job); err != nil {
		return err
	}
	b.completed.SetDefault(job.ID, job)
	return nil
}

// Requeue is allowed after Close so in-flight jobs can settle.
func (b *MemoryBackend) Requeue(_ context.Context, job models.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.takeActiveLocked(job); err != nil {
		return err
	}
	b.pushLocked(job)
	return nil
}

func (b *MemoryBackend) Bury(_ context.Context, job models.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.takeActiveLocked(job); err != nil {
		return err
	}
	b.failed = append(b.failed, job)
	return nil
}

func (b *MemoryBackend) Failed(_ context.Context, limit int) ([]models.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := slices.Clone(b.failed)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *MemoryBackend) Status(_ context.Context) (models.QueueStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.promoteLocked()
	return models.QueueStatus{
		Pending:   int64(b.ready.Len()),
		Active:    int64(len(b.active)),
		Completed: int64(b.completed.ItemCount()),
		Failed:    int64(len(b.failed)),
		Delayed:   int64(b.delayed.Len()),
	}, nil
}

func (b *MemoryBackend) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBackendClosed
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}
