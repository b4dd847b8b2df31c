package sched

import "sync"

// Request is a client-submitted logical I/O spanning a contiguous byte
// range of a device. It is created by the client, mutated only by the
// scheduler core between ScheduleRequest and terminal notification, and
// destroyed by the client after NotifyFinished runs (spec §3).
type Request struct {
	mu sync.Mutex

	offset    int64
	length    int64
	remaining int64
	write     bool
	buf       *Buffer
	teamID    int
	threadID  int

	status Status
	done   bool // toggled by OperationFinished/SetUnfinished; see SPEC_FULL.md

	transferred uint64
	lastShort   bool
	lastEnd     int64

	onFinished func(*Request)
}

// NewRequest builds a Request ready for ScheduleRequest. onFinished, if
// non-nil, is the completion callback named by HasCallbacks/NotifyFinished;
// its presence routes the request through the Notifier instead of inline
// notification (spec §4.4.3 step 7).
func NewRequest(offset, length int64, write bool, buf *Buffer, teamID, threadID int, onFinished func(*Request)) *Request {
	return &Request{
		offset:     offset,
		length:     length,
		remaining:  length,
		write:      write,
		buf:        buf,
		teamID:     teamID,
		threadID:   threadID,
		status:     StatusPending,
		onFinished: onFinished,
	}
}

func (r *Request) Offset() int64 { return r.offset }
func (r *Request) Length() int64 { return r.length }

// CurrentOffset is the device byte offset the next operation should start
// at: the portion of the request already handed to operations.
func (r *Request) CurrentOffset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset + (r.length - r.remaining)
}

func (r *Request) RemainingBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining
}

// Advance moves the cursor forward by n bytes. Called only after a
// successful Prepare/TranslateNext (spec §4.4.2 note: "cursor advanced only
// when translation/preparation succeeds").
func (r *Request) Advance(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining -= n
	if r.remaining < 0 {
		r.remaining = 0
	}
}

func (r *Request) Buffer() *Buffer { return r.buf }
func (r *Request) TeamID() int     { return r.teamID }
func (r *Request) ThreadID() int   { return r.threadID }
func (r *Request) IsWrite() bool   { return r.write }

func (r *Request) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatusAndNotify marks the request terminal with status. Used on the
// buffer-lock-failure path of SubmitRequest, before any operation has ever
// been dispatched for this request (spec §4.4.2 step 1).
func (r *Request) SetStatusAndNotify(status Status) {
	r.mu.Lock()
	r.status = status
	r.done = true
	r.mu.Unlock()
}

// SetUnfinished clears the done flag so the request can be re-submitted for
// its remaining bytes (spec §4.4.3 step 7).
func (r *Request) SetUnfinished() {
	r.mu.Lock()
	r.done = false
	r.mu.Unlock()
}

func (r *Request) HasCallbacks() bool {
	return r.onFinished != nil
}

// AddTransferred folds a short-transferring operation's byte count into the
// request's running total before that operation is retried in place. The
// retry resets the operation's own counter to zero (Operation.Finish), so
// the bytes it already moved must be captured here or they are never
// reflected in TransferredBytes (spec §8 property 3).
func (r *Request) AddTransferred(n uint64) {
	r.mu.Lock()
	r.transferred += n
	r.mu.Unlock()
}

// OperationFinished folds one completed operation's outcome into the
// request: accumulates transferred bytes, latches the first non-OK status
// (multiple operation failures are resolved in arrival order, the spec
// leaving the precedence rule to the request's own bookkeeping), and marks
// the request done so the scheduler can run its finished-state decision
// (spec §4.4.3 step 5).
func (r *Request) OperationFinished(op *Operation, status Status, isShort bool, endOffset int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transferred += op.TransferredBytes()
	if status != StatusOK {
		if r.status == StatusPending || r.status == StatusOK {
			r.status = status
		}
	} else if r.status == StatusPending {
		r.status = StatusOK
	}
	r.lastShort = isShort
	r.lastEnd = endOffset
	r.done = true
}

// IsFinished reports whether the scheduler has finished processing the
// operation currently assigned to this request (spec §4.4.4 "Completing").
// It does not by itself mean the request's full byte range has been
// served; the scheduler checks RemainingBytes separately (spec §4.4.3
// step 7) before deciding between re-queue and terminal notification.
func (r *Request) IsFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// NotifyFinished invokes the client's completion callback, if any. Called
// either by the Notifier (HasCallbacks true) or inline by the completion
// goroutine (spec §4.4.3 step 7).
func (r *Request) NotifyFinished() {
	if r.onFinished != nil {
		r.onFinished(r)
	}
}

// TransferredBytes is the cumulative count of bytes the request has had
// transferred across all of its operations (spec §8 property 3).
func (r *Request) TransferredBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transferred
}
