package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/deb2000-sudo/dropshift/internal/crypto"
)

// frameKind tags whether a Frame carries a JSON control Message or an
// opaque binary file chunk, mirroring the teacher's length-prefixed
// metadata+data layout but with an extra leading kind byte since this
// channel multiplexes two payload shapes instead of always pairing
// metadata with data.
type frameKind uint8

const (
	frameKindControl frameKind = 0x01
	frameKindChunk    frameKind = 0x02
)

// maxFrameLen bounds a single frame's payload to guard against a corrupt
// or malicious length prefix driving an unbounded allocation.
const maxFrameLen = 16*1024*1024 + 64*1024

// ChunkFrame is a demultiplexed binary chunk: the file it belongs to plus
// its raw bytes (spec.md §4.A: "prefixed in-band with the file identifier").
type ChunkFrame struct {
	File string
	Data []byte
}

// writeFrame writes kind-tagged, length-prefixed payload to w.
func writeFrame(w io.Writer, kind frameKind, payload []byte) error {
	if len(payload) > maxFrameLen {
		return fmt.Errorf("wire: frame payload too large: %d bytes", len(payload))
	}
	var hdr [5]byte
	hdr[0] = byte(kind)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// WriteMessage serializes m as a JSON control frame onto w.
func WriteMessage(w io.Writer, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("wire: marshal message: %w", err)
	}
	return writeFrame(w, frameKindControl, b)
}

// WriteChunk writes a binary chunk frame: [2-byte file id length][file
// id][zstd-compressed data]. Compression happens only on the wire; the
// file offsets and SHA-256 checksums transferio computes are always over
// the plain bytes, so a compressed frame never changes resume semantics.
func WriteChunk(w io.Writer, file string, data []byte) error {
	if len(file) > 0xFFFF {
		return fmt.Errorf("wire: file id too long: %d bytes", len(file))
	}
	compressed, err := crypto.CompressChunk(data)
	if err != nil {
		return fmt.Errorf("wire: compress chunk: %w", err)
	}
	var buf bytes.Buffer
	var idLen [2]byte
	binary.BigEndian.PutUint16(idLen[:], uint16(len(file)))
	buf.Write(idLen[:])
	buf.WriteString(file)
	buf.Write(compressed)
	return writeFrame(w, frameKindChunk, buf.Bytes())
}

// ReadFrame reads the next frame from r and returns either a Message or a
// ChunkFrame, with exactly one of the two non-nil.
func ReadFrame(r io.Reader) (*Message, *ChunkFrame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}
	kind := frameKind(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxFrameLen {
		return nil, nil, fmt.Errorf("wire: frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, fmt.Errorf("wire: read frame payload: %w", err)
		}
	}

	switch kind {
	case frameKindControl:
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, nil, fmt.Errorf("wire: unmarshal message: %w", err)
		}
		return &m, nil, nil
	case frameKindChunk:
		if len(payload) < 2 {
			return nil, nil, fmt.Errorf("wire: chunk frame too short")
		}
		idLen := binary.BigEndian.Uint16(payload[:2])
		if int(idLen)+2 > len(payload) {
			return nil, nil, fmt.Errorf("wire: chunk frame id length out of range")
		}
		file := string(payload[2 : 2+idLen])
		data, err := crypto.DecompressChunk(payload[2+idLen:])
		if err != nil {
			return nil, nil, fmt.Errorf("wire: decompress chunk: %w", err)
		}
		return nil, &ChunkFrame{File: file, Data: data}, nil
	default:
		return nil, nil, fmt.Errorf("wire: unknown frame kind %d", kind)
	}
}
