package transfer

import (
	"sync"

	"github.com/deb2000-sudo/dropshift/internal/events"
	"github.com/deb2000-sudo/dropshift/internal/xerr"
)

// Manager tracks every live transfer, keyed by transfer ID. It is grounded
// on the teacher's session.SessionManager (sync.RWMutex-guarded map,
// CreateSession/GetSession shape) generalized from single-file sessions
// persisted to disk on every mutation to multi-file transfers held purely
// in memory; persistence of the event history is internal/ledger's job,
// not the manager's.
type Manager struct {
	mu        sync.RWMutex
	transfers map[string]*entry
}

type entry struct {
	transfer *Transfer
	// terminalLatched enforces invariant M1 per file: OutgoingTerminalRecv
	// and IncomingTerminalRecv each return the file's sink exactly once.
	terminalLatched map[string]bool
	sinks           map[string]*events.FileEventSink // file id -> sink
}

// NewManager creates an empty transfer manager.
func NewManager() *Manager {
	return &Manager{transfers: make(map[string]*entry)}
}

// InsertOutgoing registers a new outgoing transfer. Returns
// xerr.ErrDuplicateTransferID if t.ID is already tracked.
func (m *Manager) InsertOutgoing(t *Transfer) error {
	return m.insert(t)
}

// InsertIncoming registers a new incoming transfer. Returns
// xerr.ErrDuplicateTransferID if t.ID is already tracked.
func (m *Manager) InsertIncoming(t *Transfer) error {
	return m.insert(t)
}

func (m *Manager) insert(t *Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transfers[t.ID]; exists {
		return xerr.ErrDuplicateTransferID
	}
	m.transfers[t.ID] = &entry{
		transfer:        t,
		sinks:           make(map[string]*events.FileEventSink),
		terminalLatched: make(map[string]bool),
	}
	return nil
}

// Get returns the live transfer for id, or xerr.ErrBadTransfer if unknown.
func (m *Manager) Get(id string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.transfers[id]
	if !ok {
		return nil, xerr.ErrBadTransfer
	}
	return e.transfer, nil
}

// FileSink returns (creating on first call) the event sink for fileID
// within transferID, bound to emitter.
func (m *Manager) FileSink(transferID, fileID string, emitter events.Emitter) (*events.FileEventSink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[transferID]
	if !ok {
		return nil, xerr.ErrBadTransfer
	}
	sink, ok := e.sinks[fileID]
	if !ok {
		sink = events.NewFileEventSink(fileID, emitter)
		e.sinks[fileID] = sink
	}
	return sink, nil
}

// OutgoingTerminalRecv latches fileID within transferID as having
// delivered its terminal notification to the application. The first call
// for a given file returns its event sink so the caller can emit the
// external event exactly once; every subsequent call for that file
// returns nil (invariant M1: at-most-once terminal delivery per file,
// centralized here rather than scattered across call sites per the
// design note in spec.md §9).
func (m *Manager) OutgoingTerminalRecv(transferID, fileID string) (*events.FileEventSink, error) {
	return m.terminalRecv(transferID, fileID, DirectionOutgoing)
}

// IncomingTerminalRecv is the incoming-transfer counterpart of
// OutgoingTerminalRecv.
func (m *Manager) IncomingTerminalRecv(transferID, fileID string) (*events.FileEventSink, error) {
	return m.terminalRecv(transferID, fileID, DirectionIncoming)
}

func (m *Manager) terminalRecv(transferID, fileID string, want Direction) (*events.FileEventSink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[transferID]
	if !ok {
		return nil, xerr.ErrBadTransfer
	}
	if e.transfer.Direction != want {
		return nil, xerr.ErrBadTransfer
	}
	if e.terminalLatched[fileID] {
		return nil, nil
	}
	e.terminalLatched[fileID] = true
	return e.sinks[fileID], nil
}

// OutgoingEnsureFileNotTerminated returns a xerr.BadTransferState error
// if the named file has already reached a terminal
// state, so a caller about to start sending chunks for it can bail out
// before doing any I/O.
func (m *Manager) OutgoingEnsureFileNotTerminated(transferID, fileID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.transfers[transferID]
	if !ok {
		return xerr.ErrBadTransfer
	}
	f, ok := e.transfer.Files[fileID]
	if !ok {
		return xerr.ErrBadFile
	}
	if f.State.IsTerminal() {
		return xerr.NewBadTransferState("file " + fileID + " already terminal")
	}
	return nil
}

// OutgoingFailurePost marks fileID failed within transferID with err, and
// reports whether the whole transfer has now gone all-terminal so the
// caller can decide whether to fire a transfer-level terminal event too.
func (m *Manager) OutgoingFailurePost(transferID, fileID string, _ error) (allTerminal bool, rerr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[transferID]
	if !ok {
		return false, xerr.ErrBadTransfer
	}
	f, ok := e.transfer.Files[fileID]
	if !ok {
		return false, xerr.ErrBadFile
	}
	if !f.State.IsTerminal() {
		f.State = FileStateFailed
	}
	return e.transfer.AllFilesTerminal(), nil
}

// CancelTransfer marks transferID cancelled (by the local side unless
// byPeer is set) and returns the ids of files that were not yet terminal,
// so the caller can abort their in-flight tasks.
func (m *Manager) CancelTransfer(transferID string, byPeer bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[transferID]
	if !ok {
		return nil, xerr.ErrBadTransfer
	}
	if byPeer {
		e.transfer.CancelledByPeer = true
	} else {
		e.transfer.CancelledByLocal = true
	}
	var aborted []string
	for _, id := range e.transfer.Order {
		f := e.transfer.Files[id]
		if !f.State.IsTerminal() {
			f.State = FileStateCancelled
			aborted = append(aborted, id)
		}
	}
	return aborted, nil
}

// Evict removes a transfer from the live manager. The caller is
// responsible for confirming it is terminal and has no outstanding tasks
// (spec.md §3); Evict itself does not check liveTasks so that shutdown
// paths can force removal.
func (m *Manager) Evict(transferID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transfers, transferID)
}

// TryEvictIfIdle removes transferID only if it is terminal and has no
// outstanding file tasks, reporting whether it evicted.
func (m *Manager) TryEvictIfIdle(transferID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[transferID]
	if !ok {
		return false
	}
	if !e.transfer.IsTerminal() || e.transfer.liveTasks > 0 {
		return false
	}
	delete(m.transfers, transferID)
	return true
}

// TaskStarted and TaskFinished track the number of live file tasks for a
// transfer, used by TryEvictIfIdle to decide eviction safety.
func (m *Manager) TaskStarted(transferID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[transferID]
	if !ok {
		return xerr.ErrBadTransfer
	}
	e.transfer.liveTasks++
	return nil
}

func (m *Manager) TaskFinished(transferID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[transferID]
	if !ok {
		return xerr.ErrBadTransfer
	}
	if e.transfer.liveTasks > 0 {
		e.transfer.liveTasks--
	}
	return nil
}

// List returns every live transfer, for diagnostics and the directory service.
func (m *Manager) List() []*Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transfer, 0, len(m.transfers))
	for _, e := range m.transfers {
		out = append(out, e.transfer)
	}
	return out
}
