// Package api is the embedding application's entry point into the
// engine: the Go-native analogue of the C-callable surface described in
// spec.md §6. It wraps every public call in a panic-recovery boundary so
// a bug in one transfer's goroutine cannot take the whole process down
// silently, then reports it to the application as a RuntimePanic event
// instead. It is grounded on original_source/norddrop/src/ffi/mod.rs's
// panic::catch_unwind-around-every-call pattern, translated to Go's
// recover() since this is not actually a C ABI boundary.
package api

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/deb2000-sudo/dropshift/internal/config"
	"github.com/deb2000-sudo/dropshift/internal/ledger"
	"github.com/deb2000-sudo/dropshift/internal/logging"
	"github.com/deb2000-sudo/dropshift/internal/transfer"
	"github.com/deb2000-sudo/dropshift/internal/xerr"
	"github.com/deb2000-sudo/dropshift/pkg/utils"
)

// ResultCode mirrors the embedding API's result enum (spec.md §6).
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultInvalidString
	ResultBadInput
	ResultError
	ResultInvalidPrivkey
)

// Descriptor is one entry of the new_transfer descriptors JSON array
// (spec.md §6: "array of {path: string} (plus optional fd: int on mobile
// variants)").
type Descriptor struct {
	Path string `json:"path"`
	FD   *int   `json:"fd,omitempty"`
}

// Device is the embedding application's handle into a running engine
// instance. Field names follow the spec's embedding call vocabulary
// rather than the teacher's, since this surface has no analogue in the
// teacher repo beyond the coarse instance-wide lock it is grounded on.
type Device struct {
	mu sync.Mutex

	cfg *config.Config
	mgr *transfer.Manager
	led *ledger.Ledger
	log *logging.Logger

	events EventCallback
}

// EventCallback receives JSON text for one of the named event kinds in
// spec.md §6 ("Event callback").
type EventCallback func(kind string, payloadJSON string)

// New constructs a Device. log_level/logger_cb/pubkey_cb/privkey from the
// spec's embedding signature are collaborators outside this component's
// scope (spec.md §1's Non-goals list the key-agreement handshake); New
// takes only what the transfer/ledger/manager machinery needs directly.
func New(cfg *config.Config, led *ledger.Ledger, cb EventCallback) *Device {
	return &Device{
		cfg:    cfg,
		mgr:    transfer.NewManager(),
		led:    led,
		log:    logging.New("").With("api"),
		events: cb,
	}
}

// guard recovers a panic from fn, logs it, emits a RuntimePanic event, and
// turns it into ResultError so the caller never observes the panic
// directly (the Go analogue of panic::catch_unwind wrapping every
// extern "C" entry point in the original).
func (d *Device) guard(fn func() error) (result ResultCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("recovered panic: %v", r)
			if d.events != nil {
				d.events("RuntimePanic", fmt.Sprintf(`{"message":%q}`, fmt.Sprint(r)))
			}
			result = ResultError
		}
	}()

	if err := fn(); err != nil {
		switch err {
		case xerr.ErrBadTransfer, xerr.ErrBadFile, xerr.ErrBadPath, xerr.ErrBadInput:
			return ResultBadInput
		default:
			return ResultError
		}
	}
	return ResultOK
}

// NewTransfer registers a new outgoing transfer for peer from a JSON
// descriptors array and returns its id.
func (d *Device) NewTransfer(peer, descriptorsJSON string) (string, ResultCode) {
	var id string
	code := d.guard(func() error {
		var descs []Descriptor
		if err := json.Unmarshal([]byte(descriptorsJSON), &descs); err != nil {
			return xerr.ErrBadInput
		}
		if len(descs) == 0 {
			return xerr.ErrBadInput
		}
		if len(descs) > d.cfg.TransferFileLimit {
			return xerr.ErrTooManyFiles
		}

		id = uuid.NewString()
		xfer := transfer.NewTransfer(id, transfer.PeerInfo{Address: peer}, transfer.DirectionOutgoing)
		for _, desc := range descs {
			fid := fileID(desc.Path)
			if err := xfer.AddFile(&transfer.File{ID: fid, RelativePath: desc.Path, LocalPath: desc.Path}); err != nil {
				return err
			}
		}
		if err := d.mgr.InsertOutgoing(xfer); err != nil {
			return err
		}
		if d.led != nil {
			_, _ = d.led.Append(ledger.Record{Kind: ledger.EventPending, TransferType: ledger.TransferTypeOutgoing, TransferID: id, Peer: peer})
		}
		return nil
	})
	return id, code
}

// fileID derives a stable per-transfer file identifier from the file's
// path: the hex SHA-256 digest over the path string, reusing
// pkg/utils's generic byte-hashing helper rather than inventing a
// second one.
func fileID(path string) string {
	return utils.HashBytesSHA256([]byte(path))
}

// CancelTransfer marks xfid cancelled.
func (d *Device) CancelTransfer(xfid string) ResultCode {
	return d.guard(func() error {
		_, err := d.mgr.CancelTransfer(xfid, false)
		return err
	})
}

// CancelFile marks fid within xfid cancelled. The manager does not expose
// a single-file cancel today (spec.md §5 calls this synchronous intent
// marking); here it is realized by leaving the task abort to the bound
// protocol loop's CancelFile command, which this package does not own
// directly — Device only records intent through the manager so a
// subsequent OutgoingEnsureFileNotTerminated check observes it.
func (d *Device) CancelFile(xfid, fid string) ResultCode {
	return d.guard(func() error {
		xfer, err := d.mgr.Get(xfid)
		if err != nil {
			return err
		}
		f, ok := xfer.Files[fid]
		if !ok {
			return xerr.ErrBadFile
		}
		if !f.State.IsTerminal() {
			f.State = transfer.FileStateCancelled
		}
		return nil
	})
}

// RejectFile declines fid within xfid before it starts.
func (d *Device) RejectFile(xfid, fid string) ResultCode {
	return d.guard(func() error {
		xfer, err := d.mgr.Get(xfid)
		if err != nil {
			return err
		}
		f, ok := xfer.Files[fid]
		if !ok {
			return xerr.ErrBadFile
		}
		if f.State.IsTerminal() {
			return nil
		}
		f.State = transfer.FileStateRejected
		return nil
	})
}

// PurgeTransfers deletes the named transfers from the ledger.
func (d *Device) PurgeTransfers(idsJSON string) ResultCode {
	return d.guard(func() error {
		var ids []string
		if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
			return xerr.ErrBadInput
		}
		if d.led == nil {
			return nil
		}
		return d.led.PurgeIDs(ids)
	})
}

// PurgeTransfersUntil deletes ledger records older than ts (unix seconds).
func (d *Device) PurgeTransfersUntil(ts int64) ResultCode {
	return d.guard(func() error {
		if d.led == nil {
			return nil
		}
		return d.led.PurgeUntil(uint64(ts))
	})
}

// GetTransfersSince returns JSON-encoded ledger records created after ts.
func (d *Device) GetTransfersSince(ts int64) (string, ResultCode) {
	var out string
	code := d.guard(func() error {
		if d.led == nil {
			out = "[]"
			return nil
		}
		recs, err := d.led.TransfersSince(uint64(ts))
		if err != nil {
			return xerr.ErrLedgerError
		}
		b, err := json.Marshal(recs)
		if err != nil {
			return err
		}
		out = string(b)
		return nil
	})
	return out, code
}
