package core

// queue.go – the priority transaction queue (component F). A binary
// max-heap keyed on priority, with O(log N) insertion and top-k
// extraction. Priorities are recomputed in bulk by Refresh, which rebuilds
// the whole heap in O(N); there is no per-entry priority update.
// Backpressure is hysteresis-gated: enqueues are rejected once
// size/capacity crosses the activation threshold and only resume once it
// falls threshold-hysteresis below that, per §4.F / §8 scenario 3.

import (
	"container/heap"
	"math/big"
	"sync"
	"time"
)

// PriorityWeights are the w1/w2/w3 coefficients from §4.F. The source
// material left these undocumented; this implementation picks and exposes
// the following defaults (§9 open question, resolved in SPEC_FULL.md §4.F):
// fee-weighted scheduling dominated by age once a transaction has waited
// T_starvation, with a small manual-boost term for operator overrides.
type PriorityWeights struct {
	Fee   float64 // w1
	Age   float64 // w2
	Boost float64 // w3

	// AgeSaturation is T_starvation: age_factor reaches 1.0 after this
	// many seconds of queue residency and does not grow further.
	AgeSaturation time.Duration
}

// DefaultPriorityWeights returns the documented defaults.
func DefaultPriorityWeights() PriorityWeights {
	return PriorityWeights{Fee: 0.5, Age: 0.4, Boost: 0.1, AgeSaturation: 120 * time.Second}
}

// QueueEntry wraps a Transaction with scheduling metadata (§3).
type QueueEntry struct {
	Tx        *Transaction
	Priority  float64
	Seq       uint64 // insertion sequence, used as a final tie-break
	SenderID  [20]byte
	Boost     float64
	enqueued  time.Time
	heapIndex int
}

// priorityHeap implements container/heap.Interface as a max-heap.
type priorityHeap []*QueueEntry

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	// tie-break: (sender, nonce) ascending to preserve per-sender order,
	// falling back to insertion sequence.
	if h[i].SenderID != h[j].SenderID {
		return string(h[i].SenderID[:]) < string(h[j].SenderID[:])
	}
	if h[i].Tx.Nonce != h[j].Tx.Nonce {
		return h[i].Tx.Nonce < h[j].Tx.Nonce
	}
	return h[i].Seq < h[j].Seq
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *priorityHeap) Push(x any) {
	e := x.(*QueueEntry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

// Queue is the bounded priority queue described in §4.F.
type Queue struct {
	mu sync.Mutex

	h       priorityHeap
	byID    map[[32]byte]*QueueEntry
	nextSeq uint64

	capacity  int
	threshold float64
	hysteresis float64
	backpressure bool

	weights PriorityWeights
	clock   Clock
}

// NewQueue constructs a priority queue with the given bounded capacity.
func NewQueue(capacity int, threshold, hysteresis float64, weights PriorityWeights, clock Clock) *Queue {
	q := &Queue{
		h:          make(priorityHeap, 0),
		byID:       make(map[[32]byte]*QueueEntry),
		capacity:   capacity,
		threshold:  threshold,
		hysteresis: hysteresis,
		weights:    weights,
		clock:      clock,
	}
	heap.Init(&q.h)
	return q
}

// Enqueue admits a transaction, rejecting with Backpressure if the queue's
// fill ratio is at or above the activation threshold.
func (q *Queue) Enqueue(tx *Transaction, boost float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.backpressure {
		return NewError(ErrBackpressure, "Enqueue", "queue under backpressure", nil)
	}
	if len(q.h) >= q.capacity {
		q.backpressure = true
		return NewError(ErrBackpressure, "Enqueue", "queue at capacity", nil)
	}

	var senderID [20]byte
	copy(senderID[:], tx.Sender.Bytes())
	e := &QueueEntry{
		Tx: tx, Seq: q.nextSeq, SenderID: senderID, Boost: boost,
		enqueued: q.clock.Now(),
	}
	q.nextSeq++
	e.Priority = q.computePriority(e)
	heap.Push(&q.h, e)
	q.byID[tx.Id] = e

	q.updateBackpressure()
	return nil
}

// computePriority applies the weighted formula from §4.F: priority =
// w1*normalized_fee + w2*age_factor + w3*explicit_boost.
func (q *Queue) computePriority(e *QueueEntry) float64 {
	feeF := new(big.Float).SetInt(e.Tx.Fee.ToBig())
	feeF64, _ := feeF.Float64()
	normalizedFee := feeF64 / (1 + feeF64) // saturating normalization in (0,1)
	age := q.clock.Now().Sub(e.enqueued)
	ageFactor := age.Seconds() / q.weights.AgeSaturation.Seconds()
	if ageFactor > 1 {
		ageFactor = 1
	}
	return q.weights.Fee*normalizedFee + q.weights.Age*ageFactor + q.weights.Boost*e.Boost
}

// Refresh recomputes every entry's priority (age advances continuously) and
// re-heapifies. Callers invoke this on a cadence or before a batch pull so
// starved low-fee entries can overtake fresh high-fee ones.
func (q *Queue) Refresh() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.h {
		e.Priority = q.computePriority(e)
	}
	heap.Init(&q.h)
}

// updateBackpressure toggles the signal using hysteresis so it does not
// oscillate right at the boundary (§4.F, §8 scenario 3).
func (q *Queue) updateBackpressure() {
	fill := float64(len(q.h)) / float64(q.capacity)
	if !q.backpressure && fill >= q.threshold {
		q.backpressure = true
	} else if q.backpressure && fill <= q.threshold-q.hysteresis {
		q.backpressure = false
	}
}

// Backpressure reports whether the queue currently signals backpressure.
func (q *Queue) Backpressure() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backpressure
}

// Len returns the current number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// PopTop extracts up to n highest-priority entries, evaluating the
// hysteresis gate after each removal.
func (q *Queue) PopTop(n int) []*QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*QueueEntry, 0, n)
	for len(out) < n && len(q.h) > 0 {
		e := heap.Pop(&q.h).(*QueueEntry)
		delete(q.byID, e.Tx.Id)
		out = append(out, e)
	}
	q.updateBackpressure()
	return out
}

// OldestAge returns the age of the oldest entry still queued, used by the
// batch builder's batch_timeout trigger.
func (q *Queue) OldestAge() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	var oldest time.Time
	for _, e := range q.h {
		if oldest.IsZero() || e.enqueued.Before(oldest) {
			oldest = e.enqueued
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return q.clock.Now().Sub(oldest)
}
