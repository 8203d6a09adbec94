// Package journal implements the append-only persisted-state stream: each
// record is {kind, version, payload}, length-prefixed and checksummed.
// There is no seek-based format; recovery replays the stream front to back
// and discards a corrupt or truncated tail record.
package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/zetareticula/kvcached/internal/kverrors"
)

// Kind tags what a record's payload snapshots.
type Kind uint8

const (
	KindBlockSnapshot Kind = iota + 1
	KindSessionSnapshot
)

// Version is the current record format version.
const Version uint8 = 1

// Record is one framed entry of the stream.
type Record struct {
	Kind    Kind
	Version uint8
	Payload []byte
}

// header: kind (1), version (1), payload length (4, little-endian).
// A CRC-32 of header+payload trails each record.
const headerSize = 6

// Marshal frames rec for appending to the stream.
func Marshal(rec Record) []byte {
	buf := make([]byte, headerSize+len(rec.Payload)+4)
	buf[0] = byte(rec.Kind)
	buf[1] = rec.Version
	binary.LittleEndian.PutUint32(buf[2:], uint32(len(rec.Payload)))
	copy(buf[headerSize:], rec.Payload)
	sum := crc32.ChecksumIEEE(buf[:headerSize+len(rec.Payload)])
	binary.LittleEndian.PutUint32(buf[headerSize+len(rec.Payload):], sum)
	return buf
}

// Writer appends framed records to an underlying stream.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w, which is typically a file or the transfer engine's
// staging buffer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Append frames and writes one record.
func (w *Writer) Append(rec Record) error {
	if _, err := w.w.Write(Marshal(rec)); err != nil {
		return fmt.Errorf("%w: append record: %v", kverrors.ErrStorage, err)
	}
	return nil
}

// ReadAll replays the stream and returns every complete, checksum-valid
// record in order. A truncated or corrupt tail stops the replay: the
// records read so far are returned together with a storage error, so the
// caller can choose between failing startup and discarding the tail.
func ReadAll(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read stream: %v", kverrors.ErrStorage, err)
	}
	var recs []Record
	off := 0
	for off < len(data) {
		if len(data)-off < headerSize {
			return recs, tailError(off)
		}
		n := int(binary.LittleEndian.Uint32(data[off+2:]))
		total := headerSize + n + 4
		if len(data)-off < total {
			return recs, tailError(off)
		}
		body := data[off : off+headerSize+n]
		sum := binary.LittleEndian.Uint32(data[off+headerSize+n:])
		if crc32.ChecksumIEEE(body) != sum {
			return recs, tailError(off)
		}
		payload := make([]byte, n)
		copy(payload, body[headerSize:])
		recs = append(recs, Record{Kind: Kind(body[0]), Version: body[1], Payload: payload})
		off += total
	}
	return recs, nil
}

func tailError(off int) error {
	return fmt.Errorf("%w: corrupt or truncated record at offset %d", kverrors.ErrStorage, off)
}

// Recover replays the stream, silently discarding a corrupt tail record.
func Recover(r io.Reader) []Record {
	recs, _ := ReadAll(r)
	return recs
}
