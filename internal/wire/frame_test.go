package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := NewStart("file-1", 4096)

	if err := WriteMessage(&buf, want); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	m, chunk, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if chunk != nil {
		t.Fatalf("expected a control message, got a chunk frame")
	}
	if m.Type != want.Type || m.File != want.File || m.Offset != want.Offset {
		t.Fatalf("round trip mismatch: got %+v, want %+v", m, want)
	}
}

func TestWriteReadChunkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	data := []byte("hello, dropshift")

	if err := WriteChunk(&buf, "file-9", data); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	m, chunk, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if m != nil {
		t.Fatalf("expected a chunk frame, got a control message")
	}
	if chunk.File != "file-9" {
		t.Fatalf("expected file id file-9, got %s", chunk.File)
	}
	if !bytes.Equal(chunk.Data, data) {
		t.Fatalf("chunk data mismatch: got %q, want %q", chunk.Data, data)
	}
}

func TestReadFrameMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, NewProgress("f1", 100)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := WriteChunk(&buf, "f1", []byte("abc")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := WriteMessage(&buf, NewDone("f1", 200)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	m1, _, err := ReadFrame(&buf)
	if err != nil || m1.Type != TypeProgress {
		t.Fatalf("expected progress message, got %+v err=%v", m1, err)
	}
	_, c2, err := ReadFrame(&buf)
	if err != nil || c2 == nil {
		t.Fatalf("expected chunk frame, err=%v", err)
	}
	m3, _, err := ReadFrame(&buf)
	if err != nil || m3.Type != TypeDone {
		t.Fatalf("expected done message, got %+v err=%v", m3, err)
	}

	if _, _, err := ReadFrame(&buf); err != io.EOF {
		t.Fatalf("expected EOF at end of stream, got %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(frameKindControl))
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected error for oversized frame length")
	}
}
