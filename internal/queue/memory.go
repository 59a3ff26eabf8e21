package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for demo/development mode and tests.
type MemoryQueue struct {
	mu    sync.Mutex
	items jobHeap
	byID  map[string]*queuedJob
	seq   int64
}

type queuedJob struct {
	id       string
	tier     Tier
	score    float64
	seq      int64 // tie-break for identical scores, lower is older
	metadata map[string]string
	index    int // heap index, -1 when removed
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{byID: make(map[string]*queuedJob)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if !job.Tier.Valid() {
		return ErrUnknownTier
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byID[job.ID]; ok {
		heap.Remove(&q.items, existing.index)
		delete(q.byID, job.ID)
	}

	q.seq++
	item := &queuedJob{
		id:       job.ID,
		tier:     job.Tier,
		score:    Score(job.Tier, time.Now()),
		seq:      q.seq,
		metadata: job.Metadata,
	}
	heap.Push(&q.items, item)
	q.byID[job.ID] = item
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return "", false, nil
	}
	item := heap.Pop(&q.items).(*queuedJob)
	delete(q.byID, item.id)
	return item.id, true, nil
}

func (q *MemoryQueue) Peek(ctx context.Context, n int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sorted := q.sortedLocked()
	if n > len(sorted) {
		n = len(sorted)
	}
	out := make([]string, 0, n)
	for _, item := range sorted[:n] {
		out = append(out, item.id)
	}
	return out, nil
}

func (q *MemoryQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[jobID]
	if !ok {
		return false, nil
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, jobID)
	return true, nil
}

func (q *MemoryQueue) Position(ctx context.Context, jobID string) (int64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[jobID]; !ok {
		return 0, false, nil
	}
	for i, item := range q.sortedLocked() {
		if item.id == jobID {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

func (q *MemoryQueue) Metadata(ctx context.Context, jobID string) (map[string]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[jobID]
	if !ok || item.metadata == nil {
		return nil, nil
	}
	cp := make(map[string]string, len(item.metadata))
	for k, v := range item.metadata {
		cp[k] = v
	}
	return cp, nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.items.Len()), nil
}

func (q *MemoryQueue) LenByTier(ctx context.Context) (map[Tier]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[Tier]int64, len(Tiers))
	for _, t := range Tiers {
		counts[t] = 0
	}
	for _, item := range q.byID {
		counts[item.tier]++
	}
	return counts, nil
}

func (q *MemoryQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.byID = make(map[string]*queuedJob)
	return nil
}

// sortedLocked returns jobs in dequeue order. Only used by the inspection
// paths; the hot path pops straight off the heap. A plain sort over a copy
// keeps the live heap's indexes untouched.
func (q *MemoryQueue) sortedLocked() []*queuedJob {
	out := make([]*queuedJob, len(q.items))
	copy(out, q.items)
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// jobHeap is a max-heap over job scores.
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*queuedJob)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
