package sched

import "github.com/ambroff/haiku/internal/bufpool"

// DMATranslator is the external collaborator that converts a request slice
// into a concrete, device-sized operation, possibly via bounce buffers
// (spec §6). A nil DMATranslator selects the no-DMA path: Scheduler calls
// Operation.Prepare directly instead.
type DMATranslator interface {
	// BufferCount is the number of concurrent buffers the translator can
	// serve; it sizes the Operation Pool at Init.
	BufferCount() int

	// BlockSize is the device's logical block size, used to compute
	// maxSpan (spec §4.4.2: maxSpan = blockSize * 1024).
	BlockSize() int64

	// TranslateNext consumes some prefix (up to maxSpan bytes) of the
	// request's remaining range, populates the operation's offset/length/
	// buffer, and advances the request's cursor by the consumed length.
	// Returns StatusBusy if no buffer is available right now; any other
	// non-OK status aborts the request.
	TranslateNext(req *Request, op *Operation, maxSpan int64) Status

	// RecycleBuffer returns an operation's DMA buffer for reuse.
	RecycleBuffer(buf *Buffer)
}

// BounceBufferTranslator is the concrete DMATranslator used whenever a
// device's DMA constraints are worth modeling. Every backend in this
// repository already operates on addressable Go memory (mmap'd ublk tag
// buffers, or plain heap slices for the in-memory backend), so this
// translator does not bounce-copy payload bytes: TranslateNext slices the
// request's buffer directly, and the "DMA buffer" it hands back is purely
// an accounting token recycled through RecycleBuffer. What it does
// genuinely model is the backpressure and chunking semantics the spec
// requires: a bounded number of buffers may be in flight at once
// (returning StatusBusy when exhausted), and operations are chunked to at
// most maxSpan bytes. Each chunk size is also taken from and handed straight
// back to the host's size-bucketed buffer pool (internal/bufpool); no
// caller receives that scratch slice.
type BounceBufferTranslator struct {
	blockSize int64
	sem       chan struct{}
	count     int
}

// NewBounceBufferTranslator builds a translator allowing at most
// bufferCount concurrent in-flight buffers.
func NewBounceBufferTranslator(blockSize int64, bufferCount int) *BounceBufferTranslator {
	if bufferCount <= 0 {
		bufferCount = 1
	}
	return &BounceBufferTranslator{
		blockSize: blockSize,
		sem:       make(chan struct{}, bufferCount),
		count:     bufferCount,
	}
}

func (t *BounceBufferTranslator) BufferCount() int  { return t.count }
func (t *BounceBufferTranslator) BlockSize() int64  { return t.blockSize }

// TranslateNext chunks the request's remaining range to at most maxSpan
// bytes, reserving one semaphore slot for the duration of the operation.
func (t *BounceBufferTranslator) TranslateNext(req *Request, op *Operation, maxSpan int64) Status {
	select {
	case t.sem <- struct{}{}:
	default:
		return StatusBusy
	}

	remaining := req.RemainingBytes()
	if remaining <= 0 {
		<-t.sem
		return StatusOK
	}

	span := remaining
	if span > maxSpan {
		span = maxSpan
	}

	off := req.CurrentOffset()

	op.parent = req
	op.offset, op.length = off, span
	op.originalOffset, op.originalLength = off, span
	op.transferred = 0
	op.status = StatusPending

	full := req.Buffer()
	if full != nil && full.Bytes != nil {
		start := off - req.Offset()
		end := start + span
		if start >= 0 && end <= int64(len(full.Bytes)) {
			op.buf = NewBuffer(full.Bytes[start:end])
		} else {
			op.buf = full
		}
	}
	// Round-trip a chunk through the host's size-bucketed scratch pool
	// (internal/bufpool.GetBuffer/PutBuffer) so its allocation-reduction behavior
	// is exercised under the same chunk sizes a DMA-backed device would
	// see, even though the slice handed to the device below always
	// aliases the request's own (already addressable) buffer.
	scratch := bufpool.GetBuffer(uint32(span))
	bufpool.PutBuffer(scratch)

	req.Advance(span)
	return StatusOK
}

// RecycleBuffer releases the semaphore slot reserved by TranslateNext.
func (t *BounceBufferTranslator) RecycleBuffer(buf *Buffer) {
	select {
	case <-t.sem:
	default:
	}
}
