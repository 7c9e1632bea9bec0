package transfer

import (
	"sync"
	"testing"

	"github.com/deb2000-sudo/dropshift/internal/xerr"
)

func newTestTransfer(id string) *Transfer {
	return NewTransfer(id, PeerInfo{Address: "127.0.0.1:49111"}, DirectionOutgoing)
}

func newTestIncomingTransfer(id string) *Transfer {
	return NewTransfer(id, PeerInfo{Address: "127.0.0.1:49111"}, DirectionIncoming)
}

func TestInsertOutgoingRejectsDuplicate(t *testing.T) {
	m := NewManager()
	tr := newTestTransfer("t1")

	if err := m.InsertOutgoing(tr); err != nil {
		t.Fatalf("InsertOutgoing: %v", err)
	}
	if err := m.InsertOutgoing(newTestTransfer("t1")); err != xerr.ErrDuplicateTransferID {
		t.Fatalf("expected ErrDuplicateTransferID, got %v", err)
	}
}

func TestOutgoingTerminalRecvAtMostOnce(t *testing.T) {
	m := NewManager()
	tr := newTestTransfer("t1")
	if err := tr.AddFile(&File{ID: "f1", RelativePath: "a.bin", Size: 10}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := m.InsertOutgoing(tr); err != nil {
		t.Fatalf("InsertOutgoing: %v", err)
	}
	if _, err := m.FileSink("t1", "f1", nil); err != nil {
		t.Fatalf("FileSink: %v", err)
	}

	first, err := m.OutgoingTerminalRecv("t1", "f1")
	if err != nil {
		t.Fatalf("OutgoingTerminalRecv: %v", err)
	}
	if first == nil {
		t.Fatalf("expected first call to return the file's sink")
	}

	second, err := m.OutgoingTerminalRecv("t1", "f1")
	if err != nil {
		t.Fatalf("OutgoingTerminalRecv: %v", err)
	}
	if second != nil {
		t.Fatalf("expected second call to return nil")
	}
}

func TestIncomingTerminalRecvAtMostOnce(t *testing.T) {
	m := NewManager()
	tr := newTestIncomingTransfer("t1")
	if err := tr.AddFile(&File{ID: "f1", RelativePath: "a.bin", Size: 10}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := m.InsertIncoming(tr); err != nil {
		t.Fatalf("InsertIncoming: %v", err)
	}
	if _, err := m.FileSink("t1", "f1", nil); err != nil {
		t.Fatalf("FileSink: %v", err)
	}

	first, err := m.IncomingTerminalRecv("t1", "f1")
	if err != nil {
		t.Fatalf("IncomingTerminalRecv: %v", err)
	}
	if first == nil {
		t.Fatalf("expected first call to return the file's sink")
	}

	second, err := m.IncomingTerminalRecv("t1", "f1")
	if err != nil {
		t.Fatalf("IncomingTerminalRecv: %v", err)
	}
	if second != nil {
		t.Fatalf("expected second call to return nil")
	}

	// An incoming transfer has no outgoing-side sink to deliver.
	if sink, err := m.OutgoingTerminalRecv("t1", "f1"); err != xerr.ErrBadTransfer || sink != nil {
		t.Fatalf("expected OutgoingTerminalRecv to reject an incoming transfer, got sink=%v err=%v", sink, err)
	}
}

func TestOutgoingEnsureFileNotTerminated(t *testing.T) {
	m := NewManager()
	tr := newTestTransfer("t1")
	if err := tr.AddFile(&File{ID: "f1", RelativePath: "a.bin", Size: 10}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := m.InsertOutgoing(tr); err != nil {
		t.Fatalf("InsertOutgoing: %v", err)
	}

	if err := m.OutgoingEnsureFileNotTerminated("t1", "f1"); err != nil {
		t.Fatalf("expected no error for pending file, got %v", err)
	}

	tr.Files["f1"].State = FileStateCompleted
	if err := m.OutgoingEnsureFileNotTerminated("t1", "f1"); err == nil {
		t.Fatalf("expected error for terminal file")
	}
}

func TestOutgoingFailurePostReportsAllTerminal(t *testing.T) {
	m := NewManager()
	tr := newTestTransfer("t1")
	if err := tr.AddFile(&File{ID: "f1", RelativePath: "a.bin", Size: 10}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := m.InsertOutgoing(tr); err != nil {
		t.Fatalf("InsertOutgoing: %v", err)
	}

	allTerminal, err := m.OutgoingFailurePost("t1", "f1", nil)
	if err != nil {
		t.Fatalf("OutgoingFailurePost: %v", err)
	}
	if !allTerminal {
		t.Fatalf("expected transfer to be all-terminal after its only file fails")
	}
	if tr.Files["f1"].State != FileStateFailed {
		t.Fatalf("expected file state failed, got %s", tr.Files["f1"].State)
	}
}

func TestCancelTransferAbortsLiveFiles(t *testing.T) {
	m := NewManager()
	tr := newTestTransfer("t1")
	if err := tr.AddFile(&File{ID: "f1", RelativePath: "a.bin", Size: 10}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := tr.AddFile(&File{ID: "f2", RelativePath: "b.bin", Size: 10, State: FileStateCompleted}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := m.InsertOutgoing(tr); err != nil {
		t.Fatalf("InsertOutgoing: %v", err)
	}

	aborted, err := m.CancelTransfer("t1", false)
	if err != nil {
		t.Fatalf("CancelTransfer: %v", err)
	}
	if len(aborted) != 1 || aborted[0] != "f1" {
		t.Fatalf("expected only f1 aborted, got %v", aborted)
	}
	if !tr.CancelledByLocal {
		t.Fatalf("expected CancelledByLocal to be set")
	}
}

func TestTryEvictIfIdle(t *testing.T) {
	m := NewManager()
	tr := newTestTransfer("t1")
	if err := tr.AddFile(&File{ID: "f1", RelativePath: "a.bin", Size: 10, State: FileStateCompleted}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := m.InsertOutgoing(tr); err != nil {
		t.Fatalf("InsertOutgoing: %v", err)
	}

	if err := m.TaskStarted("t1"); err != nil {
		t.Fatalf("TaskStarted: %v", err)
	}
	if m.TryEvictIfIdle("t1") {
		t.Fatalf("expected eviction to be refused while a task is live")
	}
	if err := m.TaskFinished("t1"); err != nil {
		t.Fatalf("TaskFinished: %v", err)
	}
	if !m.TryEvictIfIdle("t1") {
		t.Fatalf("expected eviction to succeed once idle and terminal")
	}
	if _, err := m.Get("t1"); err != xerr.ErrBadTransfer {
		t.Fatalf("expected transfer to be gone after eviction")
	}
}

func TestManagerConcurrentAccess(t *testing.T) {
	m := NewManager()
	tr := newTestTransfer("t1")
	if err := tr.AddFile(&File{ID: "f1", RelativePath: "a.bin", Size: 10}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := m.InsertOutgoing(tr); err != nil {
		t.Fatalf("InsertOutgoing: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, _ = m.OutgoingFailurePost("t1", "f1", nil)
		}()
	}
	wg.Wait()
}
