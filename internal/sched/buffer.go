package sched

// Buffer is the scheduler's handle on a request's payload memory. For most
// backends in this repository the buffer is already host-addressable (ublk
// hands us mmap'd tag memory, or a plain heap slice for the in-memory
// backend), so Bytes is almost always non-nil; Virtual exists for the rare
// case of a caller-supplied buffer that still needs page locking before the
// device callback can touch it (spec §4.4.2 step 1).
type Buffer struct {
	Bytes   []byte
	Virtual bool
	locked  bool
}

// NewBuffer wraps an already-resident slice.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{Bytes: b}
}

// IsVirtual reports whether the buffer needs locking before first use.
func (b *Buffer) IsVirtual() bool {
	return b != nil && b.Virtual && !b.locked
}

// MemoryLocker locks a request's buffer pages for the duration of a
// transfer. A nil MemoryLocker means every buffer is already resident,
// which is true of every concrete backend this repository ships; the
// capability exists so scenario 5 of the scheduler's test suite (lock
// failure) is directly exercisable with a fake that returns an error.
type MemoryLocker interface {
	Lock(req *Request) error
}

// MemoryLockerFunc adapts a function to a MemoryLocker.
type MemoryLockerFunc func(req *Request) error

func (f MemoryLockerFunc) Lock(req *Request) error { return f(req) }
