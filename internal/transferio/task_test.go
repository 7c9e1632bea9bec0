package transferio

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deb2000-sudo/dropshift/internal/xerr"
)

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "source.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestSpawnUploadSendsAllChunks(t *testing.T) {
	path := writeTempFile(t, DefaultChunkSize*3+17)

	outbound := make(chan OutboundChunk, 8)
	result := make(chan UploadResult, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := SpawnUpload(ctx, "t1", "f1", path, 0, outbound, nil, result)

	var total int64
	done := false
	for !done {
		select {
		case c := <-outbound:
			total += int64(len(c.Data))
		case r := <-result:
			if r.Err != nil {
				t.Fatalf("upload failed: %v", r.Err)
			}
			done = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for upload to finish")
		}
	}

	if total != DefaultChunkSize*3+17 {
		t.Fatalf("expected %d bytes sent, got %d", DefaultChunkSize*3+17, total)
	}
	if !task.Finished() {
		t.Fatalf("expected task to report finished")
	}
}

func TestSpawnUploadResumesFromOffset(t *testing.T) {
	path := writeTempFile(t, DefaultChunkSize*2)

	outbound := make(chan OutboundChunk, 8)
	result := make(chan UploadResult, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	SpawnUpload(ctx, "t1", "f1", path, DefaultChunkSize, outbound, nil, result)

	var total int64
	done := false
	for !done {
		select {
		case c := <-outbound:
			total += int64(len(c.Data))
		case r := <-result:
			if r.Err != nil {
				t.Fatalf("upload failed: %v", r.Err)
			}
			if r.BytesTransfered != DefaultChunkSize*2 {
				t.Fatalf("expected final position %d, got %d", DefaultChunkSize*2, r.BytesTransfered)
			}
			done = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for upload to finish")
		}
	}

	if total != DefaultChunkSize {
		t.Fatalf("expected only the remaining chunk's worth of bytes sent, got %d", total)
	}
}

func TestSpawnUploadCancelStopsWithoutFailure(t *testing.T) {
	path := writeTempFile(t, DefaultChunkSize*10)

	outbound := make(chan OutboundChunk) // unbuffered: first send blocks
	result := make(chan UploadResult, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := SpawnUpload(ctx, "t1", "f1", path, 0, outbound, nil, result)
	task.Cancel()

	select {
	case r := <-result:
		if r.Err != xerr.ErrCanceled {
			t.Fatalf("expected ErrCanceled, got %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for cancelled upload to exit")
	}
}

func TestChecksumMatchesPrefix(t *testing.T) {
	path := writeTempFile(t, 1000)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	want := sha256.Sum256(data[:500])
	got, err := Checksum(path, 500)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if got != hex.EncodeToString(want[:]) {
		t.Fatalf("checksum mismatch: got %s, want %x", got, want)
	}
}

func TestDownloaderWriteAndFinalize(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "out.bin")

	d, err := NewDownloader(final, 0)
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}
	if _, err := d.Write([]byte("hello ")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := d.Write([]byte("world")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := os.Stat(final); err == nil {
		t.Fatalf("final path should not exist before Finalize")
	}

	path, err := d.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if path != final {
		t.Fatalf("expected final path %s, got %s", final, path)
	}

	got, err := os.ReadFile(final)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("expected 'hello world', got %q", got)
	}
}

func TestDownloaderResumeTruncatesToOffset(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "out.bin")

	d1, err := NewDownloader(final, 0)
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}
	if _, err := d1.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d1.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	d2, err := NewDownloader(final, 5)
	if err != nil {
		t.Fatalf("NewDownloader resume: %v", err)
	}
	if d2.Offset() != 5 {
		t.Fatalf("expected resumed offset 5, got %d", d2.Offset())
	}
	if _, err := d2.Write([]byte("ABCDE")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	path, err := d2.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "01234ABCDE" {
		t.Fatalf("expected '01234ABCDE', got %q", got)
	}
}
