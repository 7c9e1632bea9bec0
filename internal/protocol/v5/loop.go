// Package v5 is the canonical protocol loop (spec.md §4.D): resume by
// offset, partial-checksum verification, and explicit rejection. It is
// the largest single component of the system and is grounded on the
// teacher's session.SessionManager for the state-transition bookkeeping
// idiom and on transport.TCPSender/TCPReceiver for the framed-I/O shape,
// rebuilt around internal/wire's channel and internal/transferio's file
// tasks instead of the teacher's whole-session chunk transfer.
package v5

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/deb2000-sudo/dropshift/internal/config"
	"github.com/deb2000-sudo/dropshift/internal/events"
	"github.com/deb2000-sudo/dropshift/internal/ledger"
	"github.com/deb2000-sudo/dropshift/internal/logging"
	"github.com/deb2000-sudo/dropshift/internal/protocol/loop"
	"github.com/deb2000-sudo/dropshift/internal/telemetry"
	"github.com/deb2000-sudo/dropshift/internal/transfer"
	"github.com/deb2000-sudo/dropshift/internal/transferio"
	"github.com/deb2000-sudo/dropshift/internal/wire"
	"github.com/deb2000-sudo/dropshift/internal/xerr"
)

// Role fixes which side of the channel a Loop plays for its whole
// lifetime (spec.md §4.D: "roles are fixed per transfer").
type Role int

const (
	RoleClient Role = iota // sender / uploader
	RoleServer              // receiver / downloader
)

// outboundQueueDepth is the bounded capacity of the uploader write queue
// (spec.md §4.C, §5: "bounded; default depth = 4").
const outboundQueueDepth = 4

// Loop drives one transfer's v5 session to completion.
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

	state   loop.State
	lastRecv time.Time

	outbound      chan transferio.OutboundChunk
	uploadResults chan transferio.UploadResult
	uploadTasks   map[string]*transferio.FileTask
	downloaders   map[string]*transferio.Downloader

	cmds chan command

	limiter *rate.Limiter
	tel     *telemetry.TelemetryCollector
}

// command is the sum type of external requests the embedding application
// (or the reconnection driver) can make of a running loop.
type command interface{ isCommand() }

// AcceptCmd tells a server-side loop to begin downloading fileID to dest.
type AcceptCmd struct {
	FileID string
	Dest   string
}

// RejectCmd declines fileID before it starts.
type RejectCmd struct{ FileID string }

// CancelFileCmd cancels one in-flight or pending file.
type CancelFileCmd struct{ FileID string }

// CancelTransferCmd cancels the whole transfer.
type CancelTransferCmd struct{}

func (AcceptCmd) isCommand()         {}
func (RejectCmd) isCommand()         {}
func (CancelFileCmd) isCommand()     {}
func (CancelTransferCmd) isCommand() {}

// New creates a v5 loop bound to an already-connected channel.
func New(ch *wire.Channel, xfer *transfer.Transfer, mgr *transfer.Manager, led *ledger.Ledger, cfg *config.Config, role Role, fileEmitter events.Emitter, xferEmitter events.TransferEmitter) *Loop {
	return &Loop{
		ch:            ch,
		xfer:          xfer,
		mgr:           mgr,
		led:           led,
		cfg:           cfg,
		role:          role,
		log:           logging.New("").With("v5 " + xfer.ID),
		fileEmitter:   fileEmitter,
		xferSink:      events.NewTransferEventSink(xfer.ID, xferEmitter),
		state:         loop.StateHandshaking,
		lastRecv:      time.Now(),
		outbound:      make(chan transferio.OutboundChunk, outboundQueueDepth),
		uploadResults: make(chan transferio.UploadResult, 8),
		uploadTasks:   make(map[string]*transferio.FileTask),
		downloaders:   make(map[string]*transferio.Downloader),
		cmds:          make(chan command, 8),
		tel:           telemetry.NewTelemetryCollector(),
	}
}

// SetLimiter installs an optional bandwidth limiter shared across this
// loop's uploader tasks.
func (l *Loop) SetLimiter(r *rate.Limiter) { l.limiter = r }

// Accept queues a request to begin downloading a file (server role only).
func (l *Loop) Accept(fileID, dest string) { l.cmds <- AcceptCmd{FileID: fileID, Dest: dest} }

// Reject queues a request to decline a file before it starts.
func (l *Loop) Reject(fileID string) { l.cmds <- RejectCmd{FileID: fileID} }

// CancelFile queues a request to cancel one file.
func (l *Loop) CancelFile(fileID string) { l.cmds <- CancelFileCmd{FileID: fileID} }

// CancelTransfer queues a request to cancel the whole transfer.
func (l *Loop) CancelTransfer() { l.cmds <- CancelTransferCmd{} }

// Run drives the session until it reaches Closed or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.handshake(ctx); err != nil {
		return l.drainAndClose(ctx, err)
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
				runErr = fmt.Errorf("v5: write chunk: %w", err)
				break runLoop
			}
			l.tel.RecordBytesSent(len(c.Data))

		case <-pinger.C():
			if err := l.ch.SendMessage(wire.PingMessage()); err != nil {
				runErr = fmt.Errorf("v5: write ping: %w", err)
				break runLoop
			}
			if bw := l.tel.BandwidthMbps(); bw > 0 {
				l.log.Infof("throughput %.2f Mbps", bw)
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
				runErr = fmt.Errorf("v5: read frame: %w", err)
				break runLoop
			}
			l.lastRecv = time.Now()
			if chunk != nil {
				l.handleChunk(chunk)
				continue
			}
			if m.Type == wire.TypePing {
				continue
			}
			if m.Type == wire.TypePong {
				continue
			}
			if l.handleMessage(*m) {
				break runLoop
			}
		}
	}

	return l.drainAndClose(ctx, runErr)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}

// handshake performs the client-send / server-receive TransferRequest
// exchange (spec.md §4.D Handshaking).
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
		return fmt.Errorf("v5: read transfer request: %w", err)
	}
	l.lastRecv = time.Now()
	if m.Type != wire.TypeTransferRequest {
		return fmt.Errorf("v5: expected transfer_request, got %s", m.Type)
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

// handleMessage dispatches one control message; returns true if the loop
// should stop (a fatal, transfer-level condition was reached).
func (l *Loop) handleMessage(m wire.Message) bool {
	switch m.Type {
	case wire.TypeStart:
		l.onStart(m.File, m.Offset)
	case wire.TypeReqChsum:
		l.onReqChsum(m.File, m.Limit)
	case wire.TypeReportChsum:
		l.onReportChsum(m.File, m.Limit, m.Checksum)
	case wire.TypeProgress:
		l.onProgress(m.File, m.BytesTransfered)
	case wire.TypeDone:
		l.onDone(m.File, m.BytesTransfered)
	case wire.TypeCancel:
		l.onCancel(m.File, true)
	case wire.TypeReject:
		l.onReject(m.File, true)
	case wire.TypeError:
		return l.onError(m.File, m.Msg)
	}
	return false
}

func (l *Loop) onStart(fileID string, offset int64) {
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
		_, _ = l.led.Append(ledger.Record{Kind: ledger.EventStarted, TransferID: l.xfer.ID, FileID: fileID, Progress: offset})
	}
	task := transferio.SpawnUpload(context.Background(), l.xfer.ID, fileID, f.LocalPath, offset, l.outbound, l.limiter, l.uploadResults)
	l.uploadTasks[fileID] = task
}

func (l *Loop) onReqChsum(fileID string, limit int64) {
	f, ok := l.xfer.Files[fileID]
	if !ok {
		return
	}
	sum, err := transferio.Checksum(f.LocalPath, limit)
	if err != nil {
		_ = l.ch.SendMessage(wire.NewError(fileID, "checksum failed"))
		return
	}
	_ = l.ch.SendMessage(wire.NewReportChsum(fileID, limit, sum))
}

func (l *Loop) onReportChsum(fileID string, limit int64, checksum string) {
	d, ok := l.downloaders[fileID]
	if !ok {
		return
	}
	want, err := transferio.Checksum(partPathFor(d), limit)
	if err != nil || want != checksum {
		_ = l.ch.SendMessage(wire.NewError(fileID, "checksum mismatch"))
		return
	}
	_ = l.ch.SendMessage(wire.NewStart(fileID, limit))
}

func partPathFor(d *transferio.Downloader) string {
	// The downloader tracks its own part path internally; checksums over
	// the receiver's partial are computed against the same bytes it has
	// written so far, addressed by its current offset.
	return d.PartPath()
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
// Error can arrive for a file on either a sending or a receiving loop, so
// (unlike onDone/handleUploadResult, which only ever run on one fixed
// side) this has to follow l.xfer.Direction rather than hardcode one.
func (l *Loop) terminalRecv(fileID string) (*events.FileEventSink, error) {
	if l.xfer.Direction == transfer.DirectionIncoming {
		return l.mgr.IncomingTerminalRecv(l.xfer.ID, fileID)
	}
	return l.mgr.OutgoingTerminalRecv(l.xfer.ID, fileID)
}

func (l *Loop) onCancel(fileID string, byPeer bool) {
	if t, ok := l.uploadTasks[fileID]; ok {
		t.Cancel()
	}
	if d, ok := l.downloaders[fileID]; ok {
		_ = d.Abort()
		delete(l.downloaders, fileID)
	}
	if f, ok := l.xfer.Files[fileID]; ok && !f.State.IsTerminal() {
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

func (l *Loop) onReject(fileID string, byPeer bool) {
	if f, ok := l.xfer.Files[fileID]; ok && !f.State.IsTerminal() {
		f.State = transfer.FileStateRejected
	}
	if sink, err := l.mgr.OutgoingTerminalRecv(l.xfer.ID, fileID); err == nil && sink != nil {
		sink.Rejected(byPeer)
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
	case RejectCmd:
		if f, ok := l.xfer.Files[c.FileID]; ok {
			f.State = transfer.FileStateRejected
		}
		_ = l.ch.SendMessage(wire.NewReject(c.FileID))
		if sink, err := l.mgr.IncomingTerminalRecv(l.xfer.ID, c.FileID); err == nil && sink != nil {
			sink.Rejected(false)
		}
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

// drainAndClose flushes the outbound queue (bounded by loop.DrainDeadline)
// then marks the session Closed, returning cause unchanged so callers
// (notably the reconnection driver) can distinguish a clean close from a
// failure.
func (l *Loop) drainAndClose(ctx context.Context, cause error) error {
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
