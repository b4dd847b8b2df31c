// Package sched implements the request/operation scheduler described by
// SPEC_FULL.md: it decomposes large client I/O requests into device-sized
// operations, drives them to completion through an injected device
// callback, and applies backpressure through a bounded operation pool and
// (optionally) a DMA translator.
package sched

import (
	"fmt"
	"runtime"

	"github.com/ambroff/haiku/internal/logging"
	"golang.org/x/sync/errgroup"
)

// Config configures a Scheduler at Init time.
type Config struct {
	// Shards is the number of per-CPU shard workers. Zero means
	// runtime.NumCPU(); one gives the simple single-queue variant.
	Shards int

	// DMA is the translator used to chunk requests into DMA-sized
	// operations. Nil selects the no-DMA path (Operation.Prepare).
	DMA DMATranslator

	// BlockSize is used as the no-DMA fallback block size when DMA is
	// nil. Zero defaults to 512.
	BlockSize int64

	// Roster receives lifecycle events. Nil defaults to NullRoster{}.
	Roster Roster

	// Locker locks virtual buffer pages before first use. Nil means every
	// buffer is already resident (true of every concrete backend this
	// repository ships).
	Locker MemoryLocker

	// Logger backs Dump(). Nil defaults to logging.Default().
	Logger *logging.Logger
}

// Scheduler is the core described by spec §4.4: it owns the Operation Pool
// and the Shards, implements request submission and completion, and
// exposes the public contract of spec §6.
type Scheduler struct {
	name      string
	pool      *OperationPool
	dma       DMATranslator
	roster    Roster
	locker    MemoryLocker
	logger    *logging.Logger
	blockSize int64
	maxSpan   int64

	shards []*Shard
	hint   shardHint

	notifier     *Notifier
	shardsGroup  *errgroup.Group
	notifierDone chan struct{}

	callback func(op *Operation)
}

// Init allocates the pool, starts one shard per CPU (or Config.Shards) and
// the notifier goroutine, and returns the running Scheduler (spec §4.4.1).
func Init(name string, cfg Config) (*Scheduler, error) {
	if cfg.DMA != nil && cfg.DMA.BufferCount() <= 0 {
		return nil, fmt.Errorf("sched: init %q: dma translator reports non-positive buffer count", name)
	}

	shardCount := cfg.Shards
	if shardCount <= 0 {
		shardCount = runtime.NumCPU()
	}

	poolCap := 16
	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = 512
	}
	if cfg.DMA != nil {
		poolCap = cfg.DMA.BufferCount()
		if bs := cfg.DMA.BlockSize(); bs > 0 {
			blockSize = bs
		}
	}

	roster := cfg.Roster
	if roster == nil {
		roster = NullRoster{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	s := &Scheduler{
		name:      name,
		pool:      NewOperationPool(poolCap),
		dma:       cfg.DMA,
		roster:    roster,
		locker:    cfg.Locker,
		logger:    logger,
		blockSize: blockSize,
		maxSpan:   blockSize * 1024,
		shards:    make([]*Shard, shardCount),
	}
	for i := range s.shards {
		s.shards[i] = newShard()
	}
	s.notifier = newNotifier(s, roster)

	s.shardsGroup = &errgroup.Group{}
	for _, sh := range s.shards {
		sh := sh
		s.shardsGroup.Go(func() error {
			sh.run(s.pool, func(req *Request, op *Operation) {
				s.submitFromShard(sh, req, op)
			})
			return nil
		})
	}

	s.notifierDone = make(chan struct{})
	go func() {
		s.notifier.run()
		close(s.notifierDone)
	}()

	return s, nil
}

// SetCallback installs the device I/O callback invoked per dispatched
// operation (spec §4.4.1). The callback must eventually call
// OperationCompleted for the operation it was given, and must not be
// invoked with any scheduler lock held (spec §5) — which submitFromShard
// and OperationCompleted's retry path both honor by calling it last.
func (s *Scheduler) SetCallback(fn func(op *Operation)) {
	s.callback = fn
}

// ScheduleRequest enqueues a request on an affinity-hinted shard and
// returns immediately; failures surface later via the request's own status
// and notification, never through this return value (spec §4.4.1).
func (s *Scheduler) ScheduleRequest(req *Request) Status {
	idx := s.hint.pick(len(s.shards))
	s.shards[idx].queue.Enqueue(req)
	s.roster.Notify(EventRequestScheduled, s, req, nil)
	return StatusOK
}

// AbortRequest marks req terminal with status and routes it through the
// usual finish path. No buffers are recycled: nothing can be in flight for
// a request this call can still observe (spec §4.4.1).
func (s *Scheduler) AbortRequest(req *Request, status Status) {
	req.SetStatusAndNotify(status)
	s.finish(req)
}

// submitFromShard is SubmitRequest (spec §4.4.2), parameterized over the
// shard that dequeued req so a BUSY translation result can re-enqueue to
// that same shard rather than an arbitrary one.
func (s *Scheduler) submitFromShard(shard *Shard, req *Request, op *Operation) {
	if buf := req.Buffer(); buf != nil && buf.IsVirtual() {
		if s.locker != nil {
			if err := s.locker.Lock(req); err != nil {
				s.pool.Release(op)
				req.SetStatusAndNotify(StatusMemoryLockFailure)
				s.finish(req)
				return
			}
		}
		buf.locked = true
	}

	var prepStatus Status
	if s.dma != nil {
		prepStatus = s.dma.TranslateNext(req, op, s.maxSpan)
		if prepStatus == StatusBusy {
			// Not a client-visible error (spec §7): release and retry on
			// the same shard the request came from.
			s.pool.Release(op)
			shard.queue.Enqueue(req)
			return
		}
	} else {
		prepStatus = op.Prepare(req)
		if prepStatus == StatusOK {
			req.Advance(op.Length())
		}
	}

	if prepStatus != StatusOK {
		s.pool.Release(op)
		req.SetStatusAndNotify(prepStatus)
		s.finish(req)
		return
	}

	s.roster.Notify(EventOperationStarted, s, req, op)

	if s.callback != nil {
		s.callback(op)
	}
}

// OperationCompleted is called by the device callback on completion of one
// operation, successful, short, or failed (spec §4.4.3). It is idempotent
// per operation: a delivery for an operation whose status is already
// terminal, or that has already been released to the pool (no parent),
// is ignored.
func (s *Scheduler) OperationCompleted(op *Operation, status Status, transferredBytes uint64) {
	if op.Status().IsTerminal() || op.Parent() == nil {
		return
	}

	op.SetStatus(status)
	partialBegin := op.OriginalOffset() - op.Offset()
	transferred := int64(transferredBytes) - partialBegin
	if transferred < 0 {
		transferred = 0
	}
	op.SetTransferredBytes(uint64(transferred))

	if !op.Finish() {
		// Short transfer, retried in place on this goroutine (spec §4.4.3
		// step 3 note): op.Finish() has already shrunk the operation's
		// original range and reset its counters. Fold this round's bytes
		// into the request now, since op.Finish() just discarded them from
		// the operation and the request never sees this operation again
		// until a later, separately-accounted completion.
		op.Parent().AddTransferred(uint64(transferred))
		if s.callback != nil {
			s.callback(op)
		}
		return
	}

	s.roster.Notify(EventOperationFinished, s, op.Parent(), op)

	req := op.Parent()
	isShort := op.TransferredBytes() < uint64(op.OriginalLength())
	endOffset := op.OriginalOffset()
	if op.Status() == StatusOK {
		endOffset = op.OriginalOffset() + op.OriginalLength()
	}
	req.OperationFinished(op, op.Status(), isShort, endOffset)

	if s.dma != nil {
		s.dma.RecycleBuffer(op.Buffer())
	}
	s.pool.Release(op)

	if req.IsFinished() {
		if req.Status() == StatusOK && req.RemainingBytes() > 0 {
			req.SetUnfinished()
			s.enqueueHinted(req)
		} else {
			s.finish(req)
		}
	}
}

// enqueueHinted re-enqueues a request that still has remaining bytes after
// a clean operation completion (spec §4.4.3 step 7).
func (s *Scheduler) enqueueHinted(req *Request) {
	idx := s.hint.pick(len(s.shards))
	s.shards[idx].queue.Enqueue(req)
}

// finish routes a terminal request to the Notifier if it carries a
// callback, or notifies inline otherwise (spec §4.4.3 step 7).
func (s *Scheduler) finish(req *Request) {
	if req.HasCallbacks() {
		s.notifier.enqueue(req)
		return
	}
	s.roster.Notify(EventRequestFinished, s, req, nil)
	req.NotifyFinished()
}

// Dump prints pool sizes, per-shard queue depths, and configuration
// (spec §4.4.1), mirroring the kprintf field list of the original
// scheduler's debug dump.
func (s *Scheduler) Dump() {
	depths := make([]int, len(s.shards))
	for i, sh := range s.shards {
		depths[i] = sh.queue.Len()
	}
	s.logger.Info("scheduler dump",
		"name", s.name,
		"dma", s.dma != nil,
		"block_size", s.blockSize,
		"max_span", s.maxSpan,
		"pool_free", s.pool.Len(),
		"pool_cap", s.pool.Cap(),
		"shard_depths", depths,
	)
}

// Stop terminates every shard queue and the pool, then joins all shard
// workers before stopping the notifier and joining it last (spec §8
// property 6). The order matters: a shard worker still blocked in the
// device callback can, once it unblocks, run OperationCompleted and hand a
// finished request to the notifier — stopping the notifier first would let
// its drain loop exit before that handoff happens, silently dropping the
// completion. Joining every shard first guarantees all such handoffs are
// already enqueued by the time the notifier is told to stop.
func (s *Scheduler) Stop() {
	s.pool.Stop()
	for _, sh := range s.shards {
		sh.queue.Stop()
	}
	_ = s.shardsGroup.Wait()
	s.notifier.stop()
	<-s.notifierDone
}

// ShardCount reports the number of shard workers, mainly for tests and
// Dump-adjacent diagnostics.
func (s *Scheduler) ShardCount() int {
	return len(s.shards)
}
