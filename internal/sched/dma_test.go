package sched

import "testing"

func TestBounceBufferTranslator_ChunksToMaxSpan(t *testing.T) {
	const reqLen = 8 << 20  // 8 MiB
	const maxSpan = 4 << 20 // 4 MiB

	tr := NewBounceBufferTranslator(512, 2)
	req := NewRequest(0, reqLen, true, NewBuffer(make([]byte, reqLen)), 0, 0, nil)
	op := &Operation{}

	if st := tr.TranslateNext(req, op, maxSpan); st != StatusOK {
		t.Fatalf("first TranslateNext returned %v, want StatusOK", st)
	}
	if op.Length() != maxSpan {
		t.Fatalf("first chunk length = %d, want %d", op.Length(), maxSpan)
	}
	if req.RemainingBytes() != reqLen-maxSpan {
		t.Fatalf("RemainingBytes() = %d, want %d after first chunk", req.RemainingBytes(), reqLen-maxSpan)
	}

	tr.RecycleBuffer(op.Buffer())

	op2 := &Operation{}
	if st := tr.TranslateNext(req, op2, maxSpan); st != StatusOK {
		t.Fatalf("second TranslateNext returned %v, want StatusOK", st)
	}
	if op2.Length() != maxSpan {
		t.Fatalf("second chunk length = %d, want %d", op2.Length(), maxSpan)
	}
	if req.RemainingBytes() != 0 {
		t.Fatalf("RemainingBytes() = %d, want 0 after both chunks", req.RemainingBytes())
	}
}

func TestBounceBufferTranslator_BusyWhenExhausted(t *testing.T) {
	tr := NewBounceBufferTranslator(512, 1)
	req1 := NewRequest(0, 4096, false, NewBuffer(make([]byte, 4096)), 0, 0, nil)
	req2 := NewRequest(4096, 4096, false, NewBuffer(make([]byte, 4096)), 0, 0, nil)

	op1 := &Operation{}
	if st := tr.TranslateNext(req1, op1, 1<<20); st != StatusOK {
		t.Fatalf("TranslateNext returned %v, want StatusOK", st)
	}

	op2 := &Operation{}
	if st := tr.TranslateNext(req2, op2, 1<<20); st != StatusBusy {
		t.Fatalf("TranslateNext on an exhausted translator returned %v, want StatusBusy", st)
	}

	// Recycling the first buffer frees the slot for a later retry.
	tr.RecycleBuffer(op1.Buffer())
	op3 := &Operation{}
	if st := tr.TranslateNext(req2, op3, 1<<20); st != StatusOK {
		t.Fatalf("TranslateNext after recycle returned %v, want StatusOK", st)
	}
}

func TestBounceBufferTranslator_BufferCountAndBlockSize(t *testing.T) {
	tr := NewBounceBufferTranslator(4096, 3)
	if tr.BufferCount() != 3 {
		t.Fatalf("BufferCount() = %d, want 3", tr.BufferCount())
	}
	if tr.BlockSize() != 4096 {
		t.Fatalf("BlockSize() = %d, want 4096", tr.BlockSize())
	}
}
