package ratelimit

import (
	"container/heap"
	"context"
	"time"
)

type queueResult struct {
	value any
	err   error
}

// queuedRequest is one caller waiting for admission.
type queuedRequest struct {
	id         string
	key        limitKey
	priority   int
	seq        uint64
	enqueuedAt time.Time
	ctx        context.Context
	execute    func(ctx context.Context) (any, error)
	result     chan queueResult

	index int
}

// requestQueue orders by priority (higher first), then arrival.
type requestQueue []*queuedRequest

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	r := x.(*queuedRequest)
	r.index = len(*q)
	*q = append(*q, r)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}

func (q *requestQueue) push(r *queuedRequest) {
	heap.Push(q, r)
}

func (q *requestQueue) pop() *queuedRequest {
	return heap.Pop(q).(*queuedRequest)
}

// remove takes r out of the queue; false if it was already popped.
func (q *requestQueue) remove(r *queuedRequest) bool {
	if r.index < 0 || r.index >= len(*q) || (*q)[r.index] != r {
		return false
	}
	heap.Remove(q, r.index)
	return true
}

// removeExpired pops every entry that has waited at least expiry.
func (q *requestQueue) removeExpired(now time.Time, expiry time.Duration) []*queuedRequest {
	var expired []*queuedRequest
	for _, r := range *q {
		if now.Sub(r.enqueuedAt) >= expiry {
			expired = append(expired, r)
		}
	}
	for _, r := range expired {
		q.remove(r)
	}
	return expired
}
