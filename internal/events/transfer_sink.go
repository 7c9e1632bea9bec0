package events

import "sync"

// TransferEmitter receives transfer-level (as opposed to per-file)
// notifications: the handshake's IncomingTransfer signal and the two
// transfer-wide terminal events (spec.md §4.D, §6 event callback list).
type TransferEmitter interface {
	IncomingTransfer(transferID string)
	TransferCanceled(transferID string, byPeer bool)
	TransferFailed(transferID string, err error)
}

// TransferEventSink is the transfer-level counterpart of FileEventSink: it
// guarantees at most one of TransferCanceled/TransferFailed is forwarded,
// matching the drain step in spec.md §4.D ("TransferCanceled/Failed
// follows all file terminals").
type TransferEventSink struct {
	mu       sync.Mutex
	id       string
	emitter  TransferEmitter
	terminal bool
}

// NewTransferEventSink creates a sink for transferID bound to emitter.
func NewTransferEventSink(transferID string, emitter TransferEmitter) *TransferEventSink {
	return &TransferEventSink{id: transferID, emitter: emitter}
}

// Incoming forwards the non-terminal IncomingTransfer signal.
func (s *TransferEventSink) Incoming() {
	if s.emitter != nil {
		s.emitter.IncomingTransfer(s.id)
	}
}

// Cancelled forwards a terminal TransferCanceled event, at most once.
func (s *TransferEventSink) Cancelled(byPeer bool) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.mu.Unlock()
	if s.emitter != nil {
		s.emitter.TransferCanceled(s.id, byPeer)
	}
}

// Failed forwards a terminal TransferFailed event, at most once.
func (s *TransferEventSink) Failed(err error) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.mu.Unlock()
	if s.emitter != nil {
		s.emitter.TransferFailed(s.id, err)
	}
}
