package sched

import "testing"

func TestOperation_Prepare_NoDMA(t *testing.T) {
	req := NewRequest(1000, 4096, false, NewBuffer(make([]byte, 4096)), 0, 0, nil)
	op := &Operation{status: StatusPending}

	if st := op.Prepare(req); st != StatusOK {
		t.Fatalf("Prepare returned %v, want StatusOK", st)
	}
	if op.Offset() != 1000 || op.Length() != 4096 {
		t.Fatalf("Prepare set offset/length = %d/%d, want 1000/4096", op.Offset(), op.Length())
	}
	if op.OriginalOffset() != 1000 || op.OriginalLength() != 4096 {
		t.Fatal("Prepare must set the original range equal to the device range when unaligned")
	}

	req.Advance(op.Length())
	if req.RemainingBytes() != 0 {
		t.Fatalf("RemainingBytes() = %d, want 0 after advancing by the full length", req.RemainingBytes())
	}
}

func TestOperation_Finish_FullTransferIsDone(t *testing.T) {
	op := &Operation{status: StatusOK, originalOffset: 0, originalLength: 4096, transferred: 4096}
	if !op.Finish() {
		t.Fatal("Finish() should report done when TransferredBytes == OriginalLength")
	}
}

func TestOperation_Finish_FailureIsDone(t *testing.T) {
	op := &Operation{status: StatusDeviceFailure, originalOffset: 0, originalLength: 4096, transferred: 0}
	if !op.Finish() {
		t.Fatal("Finish() should report done on a terminal failure status regardless of bytes transferred")
	}
}

func TestOperation_Finish_ShortTransferRetriesInPlace(t *testing.T) {
	// spec §8 scenario 3: 64 KiB operation, device reports 32768 transferred.
	op := &Operation{
		status:         StatusOK,
		offset:         0,
		length:         65536,
		originalOffset: 0,
		originalLength: 65536,
		transferred:    32768,
	}

	if done := op.Finish(); done {
		t.Fatal("Finish() should report not-done on a short transfer")
	}

	if op.OriginalOffset() != 32768 || op.OriginalLength() != 32768 {
		t.Fatalf("Finish() should shrink the original range to the unfinished remainder, got offset=%d length=%d",
			op.OriginalOffset(), op.OriginalLength())
	}
	if op.TransferredBytes() != 0 {
		t.Fatal("Finish() should reset TransferredBytes to 0 before the retry dispatch")
	}
	if op.Status() != StatusPending {
		t.Fatal("Finish() should reset status to pending before the retry dispatch")
	}

	// Second completion finishes the remainder.
	op.SetTransferredBytes(32768)
	op.SetStatus(StatusOK)
	if !op.Finish() {
		t.Fatal("Finish() should report done once the remainder is fully transferred")
	}
}
