package api

import (
	"path/filepath"
	"testing"

	"github.com/deb2000-sudo/dropshift/internal/config"
	"github.com/deb2000-sudo/dropshift/internal/ledger"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	cfg := &config.Config{TransferFileLimit: 10}
	cfg.Normalize()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.jsonl"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { led.Close() })
	return New(cfg, led, nil)
}

func TestNewTransferRejectsBadJSON(t *testing.T) {
	d := newTestDevice(t)
	if _, code := d.NewTransfer("peer1", "not json"); code != ResultBadInput {
		t.Fatalf("expected ResultBadInput, got %v", code)
	}
}

func TestNewTransferRejectsEmptyDescriptors(t *testing.T) {
	d := newTestDevice(t)
	if _, code := d.NewTransfer("peer1", "[]"); code != ResultBadInput {
		t.Fatalf("expected ResultBadInput, got %v", code)
	}
}

func TestNewTransferRejectsTooManyFiles(t *testing.T) {
	d := newTestDevice(t)
	d.cfg.TransferFileLimit = 1
	if _, code := d.NewTransfer("peer1", `[{"path":"a"},{"path":"b"}]`); code != ResultError {
		t.Fatalf("expected ResultError for too many files, got %v", code)
	}
}

func TestNewTransferSucceedsAndPersistsLedgerEntry(t *testing.T) {
	d := newTestDevice(t)
	id, code := d.NewTransfer("peer1", `[{"path":"/tmp/a.bin"}]`)
	if code != ResultOK {
		t.Fatalf("expected ResultOK, got %v", code)
	}
	if id == "" {
		t.Fatalf("expected non-empty transfer id")
	}

	recs, err := d.led.TransfersSince(0)
	if err != nil {
		t.Fatalf("TransfersSince: %v", err)
	}
	if len(recs) != 1 || recs[0].TransferID != id {
		t.Fatalf("expected one ledger record for %s, got %+v", id, recs)
	}
}

func TestCancelFileAndRejectFile(t *testing.T) {
	d := newTestDevice(t)
	id, code := d.NewTransfer("peer1", `[{"path":"/tmp/a.bin"},{"path":"/tmp/b.bin"}]`)
	if code != ResultOK {
		t.Fatalf("NewTransfer: %v", code)
	}
	xfer, err := d.mgr.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	fid := xfer.Order[0]

	if code := d.CancelFile(id, fid); code != ResultOK {
		t.Fatalf("CancelFile: %v", code)
	}
	if xfer.Files[fid].State != "cancelled" {
		t.Fatalf("expected file cancelled, got %v", xfer.Files[fid].State)
	}

	other := xfer.Order[1]
	if code := d.RejectFile(id, other); code != ResultOK {
		t.Fatalf("RejectFile: %v", code)
	}
	if xfer.Files[other].State != "rejected" {
		t.Fatalf("expected file rejected, got %v", xfer.Files[other].State)
	}
}

func TestGuardRecoversPanic(t *testing.T) {
	d := newTestDevice(t)
	var gotEvent string
	d.events = func(kind, payload string) { gotEvent = kind }

	code := d.guard(func() error {
		panic("boom")
	})
	if code != ResultError {
		t.Fatalf("expected ResultError after recovered panic, got %v", code)
	}
	if gotEvent != "RuntimePanic" {
		t.Fatalf("expected RuntimePanic event, got %q", gotEvent)
	}
}

func TestPurgeTransfersRejectsBadJSON(t *testing.T) {
	d := newTestDevice(t)
	if code := d.PurgeTransfers("not json"); code != ResultBadInput {
		t.Fatalf("expected ResultBadInput, got %v", code)
	}
}

func TestGetTransfersSinceReturnsJSON(t *testing.T) {
	d := newTestDevice(t)
	if _, code := d.NewTransfer("peer1", `[{"path":"/tmp/a.bin"}]`); code != ResultOK {
		t.Fatalf("NewTransfer: %v", code)
	}
	out, code := d.GetTransfersSince(0)
	if code != ResultOK {
		t.Fatalf("GetTransfersSince: %v", code)
	}
	if out == "" || out == "[]" {
		t.Fatalf("expected non-empty transfer history, got %q", out)
	}
}
