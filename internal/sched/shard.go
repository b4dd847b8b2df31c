package sched

import "sync/atomic"

// Shard owns a RequestQueue and exactly one worker goroutine that drains it
// by handing each request to the scheduler's submission routine (spec
// §4.3). Per-CPU sharding exists to reduce queue contention on multi-core
// hosts; a submitter's shard is only an affinity hint, never a hard
// binding (spec §5).
type Shard struct {
	queue *RequestQueue
}

func newShard() *Shard {
	return &Shard{queue: NewRequestQueue()}
}

// run drains the shard's queue, acquiring an operation for each dequeued
// request before handing both to submit. It returns once the queue is
// stopped and drained, or the pool is stopped while waiting for an
// operation — either way nothing further is dispatched to the device
// callback (spec §8 property 6).
func (s *Shard) run(pool *OperationPool, submit func(req *Request, op *Operation)) {
	for {
		req := s.queue.Dequeue()
		if req == nil {
			return
		}

		op := pool.Acquire()
		if op == nil {
			return
		}

		submit(req, op)
	}
}

// shardHint approximates the source's "current CPU" affinity hint with an
// atomic round-robin counter. Go exposes no portable way to read the
// executing P/core from user code without cgo; round robin preserves the
// spec's actual invariant — a hint with no cross-shard ordering guarantee
// (spec §5) — just as well as a real core id would (see DESIGN.md).
type shardHint struct {
	next atomic.Uint64
}

func (h *shardHint) pick(n int) int {
	if n <= 1 {
		return 0
	}
	return int(h.next.Add(1) % uint64(n))
}
