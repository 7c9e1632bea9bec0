package ledger

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendAssignsSequence(t *testing.T) {
	l := newTestLedger(t)

	r1, err := l.Append(Record{Kind: EventPending, TransferID: "t1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	r2, err := l.Append(Record{Kind: EventStarted, TransferID: "t1", FileID: "f1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if r1.Seq != 1 || r2.Seq != 2 {
		t.Fatalf("expected sequential seq 1,2, got %d,%d", r1.Seq, r2.Seq)
	}
}

func TestTransfersSinceFiltersByCreatedAt(t *testing.T) {
	l := newTestLedger(t)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		rec := Record{Kind: EventProgress, TransferID: "t1", Progress: int64(i), CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if _, err := l.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recs, err := l.TransfersSince(uint64(base.Add(2 * time.Second).Unix()))
	if err != nil {
		t.Fatalf("TransfersSince: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records after the cutoff, got %d", len(recs))
	}
	if recs[0].Seq != 4 || recs[1].Seq != 5 {
		t.Fatalf("unexpected seqs: %+v", recs)
	}
}

func TestPurgeUntilDropsOldRecords(t *testing.T) {
	l := newTestLedger(t)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 4; i++ {
		rec := Record{Kind: EventProgress, TransferID: "t1", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if _, err := l.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := l.PurgeUntil(uint64(base.Add(2 * time.Second).Unix())); err != nil {
		t.Fatalf("PurgeUntil: %v", err)
	}

	recs, err := l.TransfersSince(0)
	if err != nil {
		t.Fatalf("TransfersSince: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record remaining, got %d", len(recs))
	}
	cutoff := base.Add(2 * time.Second)
	for _, r := range recs {
		if !r.CreatedAt.After(cutoff) {
			t.Fatalf("expected purged record to be gone, found CreatedAt %v", r.CreatedAt)
		}
	}
}

func TestPurgeUntilWithRealEpochTimestampDoesNotWipeRecentRecords(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Append(Record{Kind: EventPending, TransferID: "t1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := l.PurgeUntil(uint64(time.Now().Add(-24 * time.Hour).Unix())); err != nil {
		t.Fatalf("PurgeUntil: %v", err)
	}

	recs, err := l.TransfersSince(0)
	if err != nil {
		t.Fatalf("TransfersSince: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected the just-appended record to survive a yesterday cutoff, got %d records", len(recs))
	}
}

func TestPurgeIDsDropsByTransfer(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Append(Record{Kind: EventPending, TransferID: "keep"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(Record{Kind: EventPending, TransferID: "drop"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := l.PurgeIDs([]string{"drop"}); err != nil {
		t.Fatalf("PurgeIDs: %v", err)
	}

	recs, err := l.TransfersSince(0)
	if err != nil {
		t.Fatalf("TransfersSince: %v", err)
	}
	if len(recs) != 1 || recs[0].TransferID != "keep" {
		t.Fatalf("expected only 'keep' to remain, got %+v", recs)
	}
}

func TestRecoverSeqAfterReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	l1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l1.Append(Record{Kind: EventProgress, TransferID: "t1"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	r, err := l2.Append(Record{Kind: EventProgress, TransferID: "t1"})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if r.Seq != 4 {
		t.Fatalf("expected seq 4 after recovering from 3 existing records, got %d", r.Seq)
	}
}
