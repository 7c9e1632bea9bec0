// Package xerr defines the error kinds used across the transfer engine.
//
// Every kind is a distinct sentinel so callers can branch with errors.Is.
// Wrapped context is added with fmt.Errorf("...: %w", err) the same way
// the rest of the module reports failures.
package xerr

import "errors"

// File and transfer level errors. A file-level error fails only the file
// it names; the transfer continues. A transfer-level error drains the
// whole session.
var (
	ErrCanceled             = errors.New("xfer: canceled")
	ErrBadTransfer          = errors.New("xfer: bad transfer")
	ErrBadFile              = errors.New("xfer: bad file")
	ErrBadPath              = errors.New("xfer: bad path")
	ErrTransferTimeout      = errors.New("xfer: transfer timed out")
	ErrFileRejected         = errors.New("xfer: file rejected")
	ErrFileNotFound         = errors.New("xfer: file not found")
	ErrConnectionLost       = errors.New("xfer: connection lost")
	ErrPeerDisconnected     = errors.New("xfer: peer disconnected")
	ErrAuthenticationFailed = errors.New("xfer: authentication failed")
	ErrInvalidConfig        = errors.New("xfer: invalid config")
	ErrDirectoryTooDeep     = errors.New("xfer: directory too deep")
	ErrTooManyFiles         = errors.New("xfer: too many files")
	ErrDuplicateTransferID  = errors.New("xfer: duplicate transfer id")
	ErrLedgerError          = errors.New("xfer: ledger error")
	ErrBadInput             = errors.New("xfer: bad input")
)

// BadTransferState carries a message alongside the "bad transfer state" kind,
// mirroring the richer BadTransferState(msg) variant from the spec.
type BadTransferState struct {
	Msg string
}

func (e *BadTransferState) Error() string {
	return "xfer: bad transfer state: " + e.Msg
}

// NewBadTransferState builds a BadTransferState error with msg.
func NewBadTransferState(msg string) error {
	return &BadTransferState{Msg: msg}
}

// IoError wraps an underlying I/O failure with a stable code, mirroring the
// spec's IoError(code) kind.
type IoError struct {
	Code int
	Err  error
}

func (e *IoError) Error() string {
	return "xfer: io error"
}

func (e *IoError) Unwrap() error { return e.Err }

// NewIoError wraps err with code.
func NewIoError(code int, err error) error {
	return &IoError{Code: code, Err: err}
}
