package sched

// Operation is a single device-level I/O implementing part or all of a
// request, sized to fit the device's DMA constraints (spec §3). Operations
// live in the Operation Pool when idle and are owned by the active
// request path while in flight.
type Operation struct {
	parent *Request

	offset, length                 int64
	originalOffset, originalLength int64
	transferred                    uint64
	status                         Status
	buf                            *Buffer
}

func (o *Operation) Parent() *Request     { return o.parent }
func (o *Operation) SetParent(r *Request) { o.parent = r }

func (o *Operation) Offset() int64 { return o.offset }
func (o *Operation) Length() int64 { return o.length }

func (o *Operation) OriginalOffset() int64 { return o.originalOffset }
func (o *Operation) OriginalLength() int64 { return o.originalLength }

func (o *Operation) SetOriginalRange(off, length int64) {
	o.originalOffset = off
	o.originalLength = length
}

func (o *Operation) TransferredBytes() uint64 { return o.transferred }
func (o *Operation) SetTransferredBytes(n uint64) {
	o.transferred = n
}

func (o *Operation) Status() Status        { return o.status }
func (o *Operation) SetStatus(s Status)    { o.status = s }
func (o *Operation) Buffer() *Buffer       { return o.buf }
func (o *Operation) SetBuffer(b *Buffer)   { o.buf = b }

// reset clears an operation before it goes back onto the pool's free list
// (spec §4.2: "all operations in the free list are detached from any
// request").
func (o *Operation) reset() {
	o.parent = nil
	o.offset, o.length = 0, 0
	o.originalOffset, o.originalLength = 0, 0
	o.transferred = 0
	o.status = StatusPending
	o.buf = nil
}

// Prepare is the no-DMA code path (spec §4.4.2 bullet 2): it sets the
// operation's range directly to the request's entire remaining range. The
// caller advances the request's cursor by the operation's Length() only
// after this returns StatusOK.
func (o *Operation) Prepare(req *Request) Status {
	off := req.CurrentOffset()
	length := req.RemainingBytes()
	if length <= 0 {
		return StatusOK
	}

	o.parent = req
	o.offset, o.length = off, length
	o.originalOffset, o.originalLength = off, length
	o.transferred = 0
	o.status = StatusPending
	o.buf = req.Buffer()
	return StatusOK
}

// Finish folds a delivered completion into the operation's own retry
// decision (spec §4.4.3 step 3, §4.5). It returns true when the operation
// is fully done (either it transferred everything it was given, or it
// failed outright). A false return means the operation should be
// redispatched for its remaining, not-yet-transferred sub-range; in that
// case the operation's original range is shrunk in place and its
// transferred-byte counter is reset to zero so the next completion's
// accounting starts clean.
func (o *Operation) Finish() bool {
	if o.status != StatusOK {
		return true
	}
	if o.transferred >= uint64(o.originalLength) {
		return true
	}

	consumed := int64(o.transferred)
	o.originalOffset += consumed
	o.originalLength -= consumed
	o.offset += consumed
	o.length -= consumed
	// o.buf always starts aligned with o.offset (TranslateNext/Prepare both
	// hand back a buffer whose index 0 is the operation's first byte), so
	// the retried sub-range needs the same prefix trimmed off the buffer or
	// the device callback would transfer the wrong bytes at the advanced
	// offset.
	if o.buf != nil && o.buf.Bytes != nil && consumed > 0 && consumed <= int64(len(o.buf.Bytes)) {
		o.buf = &Buffer{Bytes: o.buf.Bytes[consumed:], Virtual: o.buf.Virtual, locked: o.buf.locked}
	}
	o.transferred = 0
	o.status = StatusPending
	return false
}
