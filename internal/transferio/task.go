// Package transferio runs one file's worth of bytes across the wire: the
// uploader reads a local file in fixed-size chunks and pushes them onto a
// bounded outbound queue: the downloader writes received chunks to a
// ".part" file and atomically renames it on completion (spec.md §4.C).
// It is grounded on the teacher's chunker.fileChunker (fixed-size
// sequential reads via bufio.Reader, SHA-256 per chunk) and
// transport.TCPReceiver's temp-file-then-assemble pattern, generalized
// from chunk-addressed reassembly to a single streamed ".part" file.
package transferio

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/deb2000-sudo/dropshift/internal/xerr"
)

// DefaultChunkSize is the fixed chunk size file tasks read and write,
// per spec.md §4.C ("default 64 KiB").
const DefaultChunkSize = 64 * 1024

// OutboundChunk is one binary chunk queued for the protocol loop's
// channel writer (spec.md §3: "C tasks borrow a write handle via a
// bounded outbound queue").
type OutboundChunk struct {
	File string
	Data []byte
}

// FileTask is the handle the protocol loop holds for one active file's
// upload or download.
type FileTask struct {
	FileID     string
	TransferID string

	cancel chan struct{}
	done   chan struct{}
}

func newTask(transferID, fileID string) *FileTask {
	return &FileTask{
		TransferID: transferID,
		FileID:     fileID,
		cancel:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Cancel requests the task stop at the next chunk boundary. Safe to call
// more than once.
func (t *FileTask) Cancel() {
	select {
	case <-t.cancel:
	default:
		close(t.cancel)
	}
}

// Finished reports whether the task's goroutine has returned.
func (t *FileTask) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task's goroutine has returned.
func (t *FileTask) Wait() {
	<-t.done
}

// UploadResult is handed back on the result channel passed to SpawnUpload.
type UploadResult struct {
	FileID          string
	BytesTransfered int64
	Err             error // xerr.ErrCanceled on cooperative cancel, nil on success
}

// SpawnUpload starts a goroutine that reads path from startOffset in
// DefaultChunkSize pieces and pushes each onto outbound, respecting
// limiter for bandwidth shaping (golang.org/x/time/rate, same library the
// teacher never imported but the rest of the pack wires for throttled
// transports). The task reports its outcome on result exactly once.
func SpawnUpload(ctx context.Context, transferID, fileID, path string, startOffset int64, outbound chan<- OutboundChunk, limiter *rate.Limiter, result chan<- UploadResult) *FileTask {
	t := newTask(transferID, fileID)

	go func() {
		defer close(t.done)
		sent, err := runUpload(ctx, t.cancel, path, startOffset, fileID, outbound, limiter)
		result <- UploadResult{FileID: fileID, BytesTransfered: sent, Err: err}
	}()

	return t
}

func runUpload(ctx context.Context, cancel <-chan struct{}, path string, startOffset int64, fileID string, outbound chan<- OutboundChunk, limiter *rate.Limiter) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("transferio: open %s: %w", path, err)
	}
	defer f.Close()

	if startOffset > 0 {
		if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
			return 0, fmt.Errorf("transferio: seek to resume offset %d: %w", startOffset, err)
		}
	}

	reader := bufio.NewReader(f)
	buf := make([]byte, DefaultChunkSize)
	sent := startOffset

	for {
		select {
		case <-cancel:
			return sent, xerr.ErrCanceled
		case <-ctx.Done():
			return sent, xerr.ErrCanceled
		default:
		}

		if limiter != nil {
			if err := limiter.WaitN(ctx, DefaultChunkSize); err != nil {
				return sent, xerr.ErrCanceled
			}
		}

		n, readErr := io.ReadFull(reader, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return sent, fmt.Errorf("transferio: read %s: %w", path, readErr)
		}
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			select {
			case outbound <- OutboundChunk{File: fileID, Data: chunk}:
				sent += int64(n)
			case <-cancel:
				// spec.md §4.C: "If the queue is closed mid-transfer the
				// task exits with Cancelled without emitting a failure".
				return sent, xerr.ErrCanceled
			case <-ctx.Done():
				return sent, xerr.ErrCanceled
			}
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return sent, nil
		}
	}
}

// Checksum streams the first limit bytes of path through SHA-256 and
// returns the hex digest, re-opening the file so it never shares a reader
// with an in-progress upload (spec.md §4.C).
func Checksum(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("transferio: open for checksum %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyN(h, f, limit); err != nil && err != io.EOF {
		return "", fmt.Errorf("transferio: checksum read: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DownloadResult describes the outcome of one file's download. This
// package has no download task that produces it; the protocol loops drive
// a Downloader directly.
type DownloadResult struct {
	FileID          string
	FinalPath       string
	BytesTransfered int64
	Err             error
}

// Downloader accumulates inbound chunks for one file into a ".part" file
// and renames it into place on Finalize.
type Downloader struct {
	partPath  string
	finalPath string
	f         *os.File
	written   int64
}

// NewDownloader opens (or resumes) the ".part" file for finalPath at
// resumeOffset, truncating the temp file to that length so a retried
// write at the same offset does not duplicate bytes.
func NewDownloader(finalPath string, resumeOffset int64) (*Downloader, error) {
	partPath := finalPath + ".part"
	if err := os.MkdirAll(filepath.Dir(partPath), 0o755); err != nil {
		return nil, fmt.Errorf("transferio: mkdir for part file: %w", err)
	}
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transferio: open part file: %w", err)
	}
	if err := f.Truncate(resumeOffset); err != nil {
		f.Close()
		return nil, fmt.Errorf("transferio: truncate part file: %w", err)
	}
	if _, err := f.Seek(resumeOffset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("transferio: seek part file: %w", err)
	}
	return &Downloader{partPath: partPath, finalPath: finalPath, f: f, written: resumeOffset}, nil
}

// Write appends data to the part file and advances the written offset.
func (d *Downloader) Write(data []byte) (int64, error) {
	n, err := d.f.Write(data)
	if err != nil {
		return d.written, fmt.Errorf("transferio: write part file: %w", err)
	}
	d.written += int64(n)
	return d.written, nil
}

// Offset returns the current write position.
func (d *Downloader) Offset() int64 { return d.written }

// PartPath returns the temporary path chunks are written to before the
// file is renamed into place, so a checksum over the receiver's partial
// can be computed against the same bytes (spec.md §4.D ReportChsum).
func (d *Downloader) PartPath() string { return d.partPath }

// Finalize closes the part file and atomically renames it to finalPath.
func (d *Downloader) Finalize() (string, error) {
	if err := d.f.Close(); err != nil {
		return "", fmt.Errorf("transferio: close part file: %w", err)
	}
	if err := os.Rename(d.partPath, d.finalPath); err != nil {
		return "", fmt.Errorf("transferio: rename part file: %w", err)
	}
	return d.finalPath, nil
}

// Abort closes the part file without renaming it, leaving it in place so
// a later resume can pick up where this attempt left off (spec.md §4.C:
// "On failure the partial file is kept until the transfer enters a
// terminal state").
func (d *Downloader) Abort() error {
	return d.f.Close()
}
