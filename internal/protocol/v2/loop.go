// Package v2 is the legacy protocol loop (spec.md §4.E): same shape as
// v5 but without Reject, without ReqChsum/ReportChsum, and without a
// resumable Start offset — a lost connection restarts the whole file.
// It shares v5's framing (internal/wire) and file tasks
// (internal/transferio) but keeps its own smaller dispatch table,
// matching the design note in spec.md §9 to implement each version as a
// separate concrete state machine rather than a flag-riddled v5.
package v2

import (
	"context"
	"fmt"
	"time"

	"github.com/deb2000-sudo/dropshift/internal/config"
	"github.com/deb2000-sudo/dropshift/internal/events"
	"github.com/deb2000-sudo/dropshift/internal/ledger"
	"github.com/deb2000-sudo/dropshift/internal/logging"
	"github.com/deb2000-sudo/dropshift/internal/protocol/loop"
	"github.com/deb2000-sudo/dropshift/internal/transfer"
	"github.com/deb2000-sudo/dropshift/internal/transferio"
	"github.com/deb2000-sudo/dropshift/internal/wire"
	"github.com/deb2000-sudo/dropshift/internal/xerr"
)

// Role mirrors v5.Role; kept as a distinct type since the two loops are
// separate concrete state machines (spec.md §9 design note).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

const outboundQueueDepth = 4

// Loop drives one transfer's v2 session to completion.
type Loop struct {
	ch   *wire.Channel
	xfer *transfer.Transfer
	mgr  *transfer.Manager
	led  *ledger.Ledger
	cfg  *config.Config
	role Role
	log  *logging.Logger

	fileEmitter events.Emitter
	xferSink    *events.TransferEventSink

	state    loop.State
	lastRecv time.Time

	outbound      chan transferio.OutboundChunk
	uploadResults chan transferio.UploadResult
	uploadTasks   map[string]*transferio.FileTask
	downloaders   map[string]*transferio.Downloader

	cmds chan command
}

type command interface{ isCommand() }

// AcceptCmd tells a server-side loop to begin downloading fileID to dest.
type AcceptCmd struct {
	FileID string
	Dest   string
}

// CancelFileCmd cancels one in-flight or pending file.
type CancelFileCmd struct{ FileID string }

// CancelTransferCmd cancels the whole transfer.
type CancelTransferCmd struct{}

func (AcceptCmd) isCommand()         {}
func (CancelFileCmd) isCommand()     {}
func (CancelTransferCmd) isCommand() {}

// New creates a v2 loop bound to an already-connected channel.
func New(ch *wire.Channel, xfer *transfer.Transfer, mgr *transfer.Manager, led *ledger.Ledger, cfg *config.Config, role Role, fileEmitter events.Emitter, xferEmitter events.TransferEmitter) *Loop {
	return &Loop{
		ch:            ch,
		xfer:          xfer,
		mgr:           mgr,
		led:           led,
		cfg:           cfg,
		role:          role,
		log:           logging.New("").With("v2 " + xfer.ID),
		fileEmitter:   fileEmitter,
		xferSink:      events.NewTransferEventSink(xfer.ID, xferEmitter),
		state:         loop.StateHandshaking,
		lastRecv:      time.Now(),
		outbound:      make(chan transferio.OutboundChunk, outboundQueueDepth),
		uploadResults: make(chan transferio.UploadResult, 8),
		uploadTasks:   make(map[string]*transferio.FileTask),
		downloaders:   make(map[string]*transferio.Downloader),
		cmds:          make(chan command, 8),
	}
}

// Accept queues a request to begin downloading a file (server role only).
func (l *Loop) Accept(fileID, dest string) { l.cmds <- AcceptCmd{FileID: fileID, Dest: dest} }

// CancelFile queues a request to cancel one file.
func (l *Loop) CancelFile(fileID string) { l.cmds <- CancelFileCmd{FileID: fileID} }

// CancelTransfer queues a request to cancel the whole transfer.
func (l *Loop) CancelTransfer() { l.cmds <- CancelTransferCmd{} }

// Run drives the session until it reaches Closed or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.handshake(ctx); err != nil {
		return l.drainAndClose(err)
	}
	l.state = loop.StateRunning

	pinger := wire.NewPinger(l.cfg.PingInterval())
	defer pinger.Stop()

	var runErr error
runLoop:
	for l.state == loop.StateRunning {
		deadline := loop.IdleDeadline(l.cfg.TransferIdleLifetime(), l.lastRecv)

		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break runLoop

		case c := <-l.outbound:
			if err := l.ch.SendChunk(c.File, c.Data); err != nil {
				runErr = fmt.Errorf("v2: write chunk: %w", err)
				break runLoop
			}

		case <-pinger.C():
			if err := l.ch.SendMessage(wire.PingMessage()); err != nil {
				runErr = fmt.Errorf("v2: write ping: %w", err)
				break runLoop
			}

		case r := <-l.uploadResults:
			l.handleUploadResult(r)

		case cmd := <-l.cmds:
			l.handleCommand(cmd)

		default:
			m, chunk, err := l.ch.ReadFrame(deadline)
			if err != nil {
				if isTimeout(err) {
					runErr = xerr.ErrTransferTimeout
					break runLoop
				}
				runErr = fmt.Errorf("v2: read frame: %w", err)
				break runLoop
			}
			l.lastRecv = time.Now()
			if chunk != nil {
				l.handleChunk(chunk)
				continue
			}
			if m.Type == wire.TypePing || m.Type == wire.TypePong {
				continue
			}
			if l.handleMessage(*m) {
				break runLoop
			}
		}
	}

	return l.drainAndClose(runErr)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}

func (l *Loop) handshake(ctx context.Context) error {
	if l.role == RoleClient {
		descs := make([]wire.FileDescriptor, 0, len(l.xfer.Order))
		for _, id := range l.xfer.Order {
			f := l.xfer.Files[id]
			descs = append(descs, wire.FileDescriptor{ID: f.ID, Path: f.RelativePath, Size: f.Size})
		}
		return l.ch.SendMessage(wire.NewTransferRequest(l.xfer.ID, descs))
	}

	m, _, err := l.ch.ReadFrame(time.Now().Add(l.cfg.TransferIdleLifetime()))
	if err != nil {
		return fmt.Errorf("v2: read transfer request: %w", err)
	}
	l.lastRecv = time.Now()
	if m.Type != wire.TypeTransferRequest {
		return fmt.Errorf("v2: expected transfer_request, got %s", m.Type)
	}
	paths := make([]string, len(m.Files))
	for i, d := range m.Files {
		paths[i] = d.Path
	}
	if err := loop.ValidateIncomingFiles(paths, l.cfg.TransferFileLimit, l.cfg.DirDepthLimit); err != nil {
		switch err {
		case xerr.ErrTooManyFiles:
			_ = l.ch.SendMessage(wire.NewError("", "too many files"))
		case xerr.ErrDirectoryTooDeep:
			_ = l.ch.SendMessage(wire.NewError("", "directory too deep"))
		}
		return err
	}
	for _, d := range m.Files {
		if err := l.xfer.AddFile(&transfer.File{ID: d.ID, RelativePath: d.Path, Size: d.Size}); err != nil {
			continue
		}
		if l.led != nil {
			_, _ = l.led.Append(ledger.Record{Kind: ledger.EventPending, TransferType: ledger.TransferTypeIncoming, TransferID: l.xfer.ID, FileID: d.ID})
		}
	}
	l.xferSink.Incoming()
	return nil
}

// handleMessage dispatches v2's reduced message catalog: no Reject, no
// ReqChsum/ReportChsum.
func (l *Loop) handleMessage(m wire.Message) bool {
	switch m.Type {
	case wire.TypeStart:
		l.onStart(m.File)
	case wire.TypeProgress:
		l.onProgress(m.File, m.BytesTransfered)
	case wire.TypeDone:
		l.onDone(m.File, m.BytesTransfered)
	case wire.TypeCancel:
		l.onCancel(m.File, true)
	case wire.TypeError:
		return l.onError(m.File, m.Msg)
	}
	return false
}

// onStart always begins at offset 0 — v2 has no resume (spec.md §4.E).
func (l *Loop) onStart(fileID string) {
	if err := l.mgr.OutgoingEnsureFileNotTerminated(l.xfer.ID, fileID); err != nil {
		_ = l.ch.SendMessage(wire.NewError(fileID, "file already terminal"))
		return
	}
	if _, active := l.uploadTasks[fileID]; active {
		_ = l.ch.SendMessage(wire.NewError(fileID, "transfer already in progress"))
		return
	}
	f, ok := l.xfer.Files[fileID]
	if !ok {
		_ = l.ch.SendMessage(wire.NewError(fileID, "unknown file"))
		return
	}
	f.State = transfer.FileStateStarted
	_ = l.mgr.TaskStarted(l.xfer.ID)
	if l.led != nil {
		_, _ = l.led.Append(ledger.Record{Kind: ledger.EventStarted, TransferID: l.xfer.ID, FileID: fileID})
	}
	task := transferio.SpawnUpload(context.Background(), l.xfer.ID, fileID, f.LocalPath, 0, l.outbound, nil, l.uploadResults)
	l.uploadTasks[fileID] = task
}

func (l *Loop) onProgress(fileID string, bytes int64) {
	sink, err := l.mgr.FileSink(l.xfer.ID, fileID, l.fileEmitter)
	if err != nil {
		return
	}
	sink.Progress(uint64(bytes))
}

func (l *Loop) onDone(fileID string, bytes int64) {
	d, ok := l.downloaders[fileID]
	if !ok {
		return
	}
	finalPath, err := d.Finalize()
	delete(l.downloaders, fileID)
	_ = l.mgr.TaskFinished(l.xfer.ID)

	f := l.xfer.Files[fileID]
	if err != nil {
		f.State = transfer.FileStateFailed
		if sink, terr := l.mgr.IncomingTerminalRecv(l.xfer.ID, fileID); terr == nil && sink != nil {
			sink.Failed(err)
		}
		return
	}
	f.State = transfer.FileStateCompleted
	f.BytesTransferred = bytes
	if l.led != nil {
		_, _ = l.led.Append(ledger.Record{Kind: ledger.EventFileDownloadComplete, TransferID: l.xfer.ID, FileID: fileID, FinalPath: finalPath})
	}
	if sink, terr := l.mgr.IncomingTerminalRecv(l.xfer.ID, fileID); terr == nil && sink != nil {
		sink.Success()
	}
	l.maybeCloseTransfer()
}

// terminalRecv picks the direction-appropriate terminal sink: a Cancel or
// Error can arrive for a file on either a sending or a receiving loop
// (unlike onDone/handleUploadResult, which only ever run on one fixed
// side), so this has to follow l.xfer.Direction rather than hardcode one.
func (l *Loop) terminalRecv(fileID string) (*events.FileEventSink, error) {
	if l.xfer.Direction == transfer.DirectionIncoming {
		return l.mgr.IncomingTerminalRecv(l.xfer.ID, fileID)
	}
	return l.mgr.OutgoingTerminalRecv(l.xfer.ID, fileID)
}

// onCancel treats a Cancel for an unknown file as a no-op, per spec.md
// §9's open question resolution ("treat this as a no-op and log a
// warning; do not reject the session").
func (l *Loop) onCancel(fileID string, byPeer bool) {
	f, ok := l.xfer.Files[fileID]
	if !ok {
		l.log.Warnf("cancel for unknown file %s", fileID)
		return
	}
	if t, ok := l.uploadTasks[fileID]; ok {
		t.Cancel()
	}
	if d, ok := l.downloaders[fileID]; ok {
		_ = d.Abort()
		delete(l.downloaders, fileID)
	}
	if !f.State.IsTerminal() {
		f.State = transfer.FileStateCancelled
	}
	if l.led != nil {
		_, _ = l.led.Append(ledger.Record{Kind: ledger.EventFileCanceled, TransferID: l.xfer.ID, FileID: fileID, ByPeer: byPeer})
	}
	if sink, err := l.terminalRecv(fileID); err == nil && sink != nil {
		sink.Cancelled(byPeer)
	}
	l.maybeCloseTransfer()
}

func (l *Loop) onError(fileID, msg string) bool {
	if fileID == "" {
		l.xferSink.Failed(xerr.NewBadTransferState(msg))
		return true
	}
	if t, ok := l.uploadTasks[fileID]; ok {
		t.Cancel()
	}
	if d, ok := l.downloaders[fileID]; ok {
		_ = d.Abort()
		delete(l.downloaders, fileID)
	}
	if sink, err := l.terminalRecv(fileID); err == nil && sink != nil {
		sink.Failed(xerr.NewBadTransferState(msg))
	}
	return false
}

func (l *Loop) handleChunk(c *wire.ChunkFrame) {
	d, ok := l.downloaders[c.File]
	if !ok {
		return
	}
	offset, err := d.Write(c.Data)
	if err != nil {
		l.log.Warnf("write chunk for %s: %v", c.File, err)
		return
	}
	_ = l.ch.SendMessage(wire.NewProgress(c.File, offset))
}

func (l *Loop) handleUploadResult(r transferio.UploadResult) {
	delete(l.uploadTasks, r.FileID)
	_ = l.mgr.TaskFinished(l.xfer.ID)

	if r.Err == xerr.ErrCanceled {
		return
	}
	f := l.xfer.Files[r.FileID]
	if r.Err != nil {
		f.State = transfer.FileStateFailed
		_, _ = l.mgr.OutgoingFailurePost(l.xfer.ID, r.FileID, r.Err)
		if sink, err := l.mgr.OutgoingTerminalRecv(l.xfer.ID, r.FileID); err == nil && sink != nil {
			sink.Failed(r.Err)
		}
		return
	}
	_ = l.ch.SendMessage(wire.NewDone(r.FileID, r.BytesTransfered))
	f.State = transfer.FileStateCompleted
	f.BytesTransferred = r.BytesTransfered
	if l.led != nil {
		_, _ = l.led.Append(ledger.Record{Kind: ledger.EventFileUploadComplete, TransferID: l.xfer.ID, FileID: r.FileID})
	}
	if sink, err := l.mgr.OutgoingTerminalRecv(l.xfer.ID, r.FileID); err == nil && sink != nil {
		sink.Success()
	}
	l.maybeCloseTransfer()
}

func (l *Loop) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case AcceptCmd:
		f, ok := l.xfer.Files[c.FileID]
		if !ok {
			return
		}
		f.LocalPath = c.Dest
		f.State = transfer.FileStateStarted
		d, err := transferio.NewDownloader(c.Dest, 0)
		if err != nil {
			l.log.Warnf("open downloader for %s: %v", c.FileID, err)
			return
		}
		l.downloaders[c.FileID] = d
		_ = l.mgr.TaskStarted(l.xfer.ID)
		_ = l.ch.SendMessage(wire.NewStart(c.FileID, 0))
	case CancelFileCmd:
		l.onCancel(c.FileID, false)
		_ = l.ch.SendMessage(wire.NewCancel(c.FileID))
	case CancelTransferCmd:
		aborted, _ := l.mgr.CancelTransfer(l.xfer.ID, false)
		for _, fid := range aborted {
			if t, ok := l.uploadTasks[fid]; ok {
				t.Cancel()
			}
			if d, ok := l.downloaders[fid]; ok {
				_ = d.Abort()
			}
		}
		l.state = loop.StateDraining
		l.xferSink.Cancelled(false)
	}
}

func (l *Loop) maybeCloseTransfer() {
	if l.xfer.AllFilesTerminal() {
		l.state = loop.StateDraining
	}
}

func (l *Loop) drainAndClose(cause error) error {
	l.state = loop.StateDraining
	deadline := time.After(loop.DrainDeadline)
drain:
	for {
		select {
		case c := <-l.outbound:
			_ = l.ch.SendChunk(c.File, c.Data)
		case <-deadline:
			break drain
		default:
			if len(l.outbound) == 0 {
				break drain
			}
		}
	}
	l.state = loop.StateClosed
	_ = l.ch.Close()
	return cause
}
