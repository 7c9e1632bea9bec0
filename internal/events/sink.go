// Package events implements the per-file event-forwarding sink described
// in spec.md §4.B: at most one terminal event reaches the application for
// the lifetime of a file (invariant B1), everything after that is dropped.
//
// There is no direct analogue in the teacher repo; the shape follows the
// teacher's habit of small, mutex-guarded, single-purpose types (compare
// telemetry.TelemetryCollector), generalized to a latch instead of a
// counter.
package events

import "sync"

// Kind enumerates the terminal and non-terminal notifications a sink can
// carry (spec.md §4.B).
type Kind int

const (
	KindProgress Kind = iota
	KindSuccess
	KindCancelled
	KindRejected
	KindFailed
	KindPaused
)

// Emitted is the notification a FileEventSink hands to its Emitter.
type Emitted struct {
	Kind    Kind
	Bytes   uint64
	ByPeer  bool
	Err     error
}

// Emitter is implemented by the embedding application's event callback
// adapter. Only one of Emitted's fields is meaningful per Kind.
type Emitter interface {
	Emit(fileID string, e Emitted)
}

// FileEventSink forwards at most one terminal event per file to an
// Emitter. Progress events are not terminal and may be coalesced by the
// caller; the sink never drops a terminal event once it is the first one
// delivered.
type FileEventSink struct {
	mu       sync.Mutex
	fileID   string
	emitter  Emitter
	terminal bool
	lastByte uint64
}

// NewFileEventSink creates a sink that forwards to emitter for fileID.
func NewFileEventSink(fileID string, emitter Emitter) *FileEventSink {
	return &FileEventSink{fileID: fileID, emitter: emitter}
}

// fire is the gate the terminal methods (Success, Cancelled, Rejected,
// Failed) route through (see DESIGN.md "At-most-once terminal" note): once
// a terminal event has fired, every later call into the sink — terminal
// or not — is silently dropped; Progress and Paused check the same flag
// themselves.
func (s *FileEventSink) fire(term bool, build func() Emitted) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	if term {
		s.terminal = true
	}
	s.mu.Unlock()

	if s.emitter != nil {
		s.emitter.Emit(s.fileID, build())
	}
}

// Progress reports cumulative bytes transferred so far. A value lower than
// one already reported is replaced by the last reported value, so emitted
// progress never goes backwards; after a terminal event it is dropped.
func (s *FileEventSink) Progress(bytes uint64) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	if bytes < s.lastByte {
		bytes = s.lastByte
	}
	s.lastByte = bytes
	s.mu.Unlock()

	if s.emitter != nil {
		s.emitter.Emit(s.fileID, Emitted{Kind: KindProgress, Bytes: bytes})
	}
}

// Success reports the file completed (terminal).
func (s *FileEventSink) Success() {
	s.fire(true, func() Emitted { return Emitted{Kind: KindSuccess} })
}

// Cancelled reports the file was cancelled, by the peer or locally (terminal).
func (s *FileEventSink) Cancelled(byPeer bool) {
	s.fire(true, func() Emitted { return Emitted{Kind: KindCancelled, ByPeer: byPeer} })
}

// Rejected reports the file was declined (terminal).
func (s *FileEventSink) Rejected(byPeer bool) {
	s.fire(true, func() Emitted { return Emitted{Kind: KindRejected, ByPeer: byPeer} })
}

// Failed reports the file failed with err (terminal).
func (s *FileEventSink) Failed(err error) {
	s.fire(true, func() Emitted { return Emitted{Kind: KindFailed, Err: err} })
}

// Paused marks the sink in a non-terminal paused state without emitting an
// externally terminal event; used when the connection drops mid-transfer
// and the file may still resume.
func (s *FileEventSink) Paused() {
	s.mu.Lock()
	term := s.terminal
	s.mu.Unlock()
	if term {
		return
	}
	if s.emitter != nil {
		s.emitter.Emit(s.fileID, Emitted{Kind: KindPaused})
	}
}

// StopSilent marks the sink terminal without emitting externally, for
// paths where the outer component already emitted or the event would be
// redundant after reconnection (spec.md §4.B).
func (s *FileEventSink) StopSilent() {
	s.mu.Lock()
	s.terminal = true
	s.mu.Unlock()
}

// IsTerminal reports whether a terminal event has already fired.
func (s *FileEventSink) IsTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}
