// Package transfer holds the transfer/file data model and the in-memory
// manager that tracks live transfers (spec.md §3, §4.F). It is grounded on
// the teacher's pkg/models (FileMetadata/ChunkMetadata/TransferSession)
// generalized from "one file split into content-addressed chunks" to "one
// transfer containing many whole files, each with its own state machine".
package transfer

import (
	"errors"
	"time"
)

// Direction indicates which side originated a transfer.
type Direction uint8

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

// FileState is the per-file state machine (spec.md §3):
// Pending -> Started -> {Completed, Cancelled, Rejected, Failed}.
type FileState string

const (
	FileStatePending   FileState = "pending"
	FileStateStarted   FileState = "started"
	FileStateCompleted FileState = "completed"
	FileStateCancelled FileState = "cancelled"
	FileStateRejected  FileState = "rejected"
	FileStateFailed    FileState = "failed"
)

// IsTerminal reports whether s is one of the four terminal file states
// (invariant T1: no transition leaves a terminal state).
func (s FileState) IsTerminal() bool {
	switch s {
	case FileStateCompleted, FileStateCancelled, FileStateRejected, FileStateFailed:
		return true
	default:
		return false
	}
}

// File is one entry in a transfer's file list.
type File struct {
	ID           string    // stable identifier derived from path content (spec.md §3)
	RelativePath string
	Size         int64
	State        FileState
	BytesTransferred int64 // chunk position: monotone non-decreasing within a session
	LocalPath    string    // final on-disk path; assigned only at Started for incoming files
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate reports whether f has the minimum required fields.
func (f *File) Validate() error {
	if f.ID == "" {
		return errors.New("transfer: file id must not be empty")
	}
	if f.RelativePath == "" {
		return errors.New("transfer: file path must not be empty")
	}
	if f.Size < 0 {
		return errors.New("transfer: file size must be non-negative")
	}
	return nil
}

// PeerInfo identifies the remote side of a transfer.
type PeerInfo struct {
	Address   string
	PublicKey [32]byte
}

// Transfer is a bundle of files shipped to one peer under one identifier
// (spec.md §3). Held by exactly one protocol loop at a time; the manager
// keeps a non-owning reference.
type Transfer struct {
	ID        string
	Peer      PeerInfo
	Direction Direction
	CreatedAt time.Time

	Files   map[string]*File // file id -> File
	Order   []string         // insertion order, for stable iteration

	CancelledByLocal bool
	CancelledByPeer  bool
	Failed           bool

	// liveTasks counts outstanding file tasks; a transfer is evicted from
	// the live manager only once it is terminal and liveTasks == 0.
	liveTasks int
}

// NewTransfer constructs an empty transfer shell; files are added with AddFile.
func NewTransfer(id string, peer PeerInfo, dir Direction) *Transfer {
	return &Transfer{
		ID:        id,
		Peer:      peer,
		Direction: dir,
		CreatedAt: time.Now(),
		Files:     make(map[string]*File),
	}
}

// AddFile appends a file to the transfer. Returns an error if the file id
// already exists in this transfer (invariant F1: file ids unique within a
// transfer).
func (t *Transfer) AddFile(f *File) error {
	if _, exists := t.Files[f.ID]; exists {
		return errors.New("transfer: duplicate file id within transfer")
	}
	if err := f.Validate(); err != nil {
		return err
	}
	now := time.Now()
	f.CreatedAt = now
	f.UpdatedAt = now
	if f.State == "" {
		f.State = FileStatePending
	}
	t.Files[f.ID] = f
	t.Order = append(t.Order, f.ID)
	return nil
}

// IsTerminal reports whether the transfer itself has reached a terminal
// flag, or whether every file has reached a terminal state (spec.md §3:
// "active until it reaches any terminal flag or all files reach a terminal
// file-state").
func (t *Transfer) IsTerminal() bool {
	if t.CancelledByLocal || t.CancelledByPeer || t.Failed {
		return true
	}
	for _, id := range t.Order {
		if !t.Files[id].State.IsTerminal() {
			return false
		}
	}
	return true
}

// AllFilesTerminal reports whether every file in the transfer has reached a
// terminal state (used to decide whether a TransferCanceled/Failed event
// follows all file terminals, per the drain step in spec.md §4.D).
func (t *Transfer) AllFilesTerminal() bool {
	for _, id := range t.Order {
		if !t.Files[id].State.IsTerminal() {
			return false
		}
	}
	return true
}
