// Package debug implements a thread-safe binary trace log for the
// execution loop's own hot-path tracing, independent of the RR log.
//
// Each record is:
//
//	2 bytes  kind (0 = invalid, 1 = bytes, 2 = string)
//	2 bytes  source length
//	4 bytes  message length
//	8 bytes  timestamp (nanoseconds since epoch)
//	source bytes
//	message bytes
//
// Thread-safety comes from handing out a disjoint byte range per writer via
// an atomically incremented offset; concurrent WriteAt calls never race.
package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	fh     atomic.Pointer[writer]
	offset atomic.Uint64
)

// OpenFile truncates filename and opens it as the trace sink.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("debug: open %s: %w", filename, err)
	}
	return Open(f)
}

// Open installs w as the trace sink. The previous sink, if any, is
// discarded without being closed; callers that care should call Close
// first.
func Open(w Writer) error {
	offset.Store(0)
	fh.Store(&writer{w: w})
	return nil
}

// Close flushes and detaches the current sink. A no-op if none is open.
func Close() error {
	h := fh.Swap(nil)
	if h == nil {
		return nil
	}
	offset.Store(0)
	return h.w.Close()
}

func encodeHeader(kind Kind, source string, data []byte) ([]byte, int64) {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixNano()))
	return header, int64(len(source) + len(data) + 16)
}

func DecodeHeader(header [16]byte) (kind Kind, sourceLength uint16, dataLength uint32, unixNano int64) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	dataLength = binary.LittleEndian.Uint32(header[4:8])
	unixNano = int64(binary.LittleEndian.Uint64(header[8:16]))
	return
}

func writeRecord(kind Kind, source string, data []byte) {
	h := fh.Load()
	if h == nil {
		return
	}

	header, size := encodeHeader(kind, source, data)
	off := int64(offset.Add(uint64(size)) - uint64(size))
	if _, err := h.w.WriteAt(header, off); err != nil {
		return
	}
	if _, err := h.w.WriteAt([]byte(source), off+16); err != nil {
		return
	}
	if _, err := h.w.WriteAt(data, off+16+int64(len(source))); err != nil {
		return
	}
}

// WriteBytes appends a raw-byte trace record tagged with source.
func WriteBytes(source string, data []byte) {
	writeRecord(KindBytes, source, data)
}

// Write appends a string trace record tagged with source.
func Write(source string, data string) {
	writeRecord(KindString, source, []byte(data))
}

// Writef appends a formatted string trace record tagged with source.
func Writef(source string, format string, args ...any) {
	writeRecord(KindString, source, fmt.Appendf(nil, format, args...))
}

// Tracer is a trace sink bound to a fixed source tag, handed to a single
// collaborator (a BlockCache, an InterruptArbiter) so it never has to
// repeat its own name at every call site.
type Tracer interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type tracer struct {
	source string
}

func (t *tracer) WriteBytes(data []byte)           { writeRecord(KindBytes, t.source, data) }
func (t *tracer) Write(data string)                { writeRecord(KindString, t.source, []byte(data)) }
func (t *tracer) Writef(format string, args ...any) { writeRecord(KindString, t.source, fmt.Appendf(nil, format, args...)) }

// WithSource returns a Tracer that tags every record with source.
func WithSource(source string) Tracer {
	return &tracer{source: source}
}

// Record is a single decoded trace entry, returned by ReadAll for
// offline inspection of a trace file.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// ReadAll decodes every record from r in write order.
func ReadAll(r io.Reader) ([]Record, error) {
	var records []Record
	for {
		var headerBytes [16]byte
		if _, err := io.ReadFull(r, headerBytes[:]); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return records, fmt.Errorf("debug: read header: %w", err)
		}
		kind, sourceLength, dataLength, unixNano := DecodeHeader(headerBytes)
		if kind == KindInvalid {
			return records, fmt.Errorf("debug: invalid record header")
		}
		source := make([]byte, sourceLength)
		if _, err := io.ReadFull(r, source); err != nil {
			return records, fmt.Errorf("debug: read source: %w", err)
		}
		data := make([]byte, dataLength)
		if _, err := io.ReadFull(r, data); err != nil {
			return records, fmt.Errorf("debug: read data: %w", err)
		}
		records = append(records, Record{
			Time:   time.Unix(0, unixNano),
			Kind:   kind,
			Source: string(source),
			Data:   data,
		})
	}
}
