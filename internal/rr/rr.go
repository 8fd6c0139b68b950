// Package rr implements RRTap, the record/replay instrumentation tapped
// into the guest CPU execution loop. It serializes the small set of
// non-deterministic scalars the loop consumes — interrupt-request
// snapshots, exit-request snapshots, and acknowledged interrupt vectors —
// keyed by callsite tag and guest program point, and replays them in the
// same order on a later run.
//
// The wire format follows the teacher's event-log shape (magic-tagged
// header, background writer goroutine draining a channel) but the record
// itself is fixed-size: tag, program point, payload.
package rr

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	magic   uint32 = 0x52525441 // "RRTA"
	version uint32 = 1
)

// Mode selects whether a Tap is inert, recording, or replaying.
type Mode int

const (
	Off Mode = iota
	Record
	Replay
)

func (m Mode) String() string {
	switch m {
	case Off:
		return "off"
	case Record:
		return "record"
	case Replay:
		return "replay"
	default:
		return "unknown"
	}
}

// CallsiteTag identifies one of the five labelled sample points in the
// execution loop. The tag is part of every log record so replay can
// verify it is consuming events in the order they were produced.
type CallsiteTag uint8

const (
	// TagInterruptSample is the per-iteration interrupt_request sample
	// taken before InterruptArbiter runs.
	TagInterruptSample CallsiteTag = iota + 1
	// TagAckVector is the acknowledge_interrupt vector number sample.
	TagAckVector
	// TagInterruptResample is the interrupt_request re-sample taken
	// immediately after InterruptArbiter runs, to catch a late-set
	// EXITTB bit.
	TagInterruptResample
	// TagExitSampleEarly is the exit_request sample taken before the
	// block cache lookup.
	TagExitSampleEarly
	// TagExitSamplePublish is the exit_request re-sample taken right
	// after env.current_tb is published.
	TagExitSamplePublish
)

func (t CallsiteTag) String() string {
	switch t {
	case TagInterruptSample:
		return "CPU_EXEC_1"
	case TagAckVector:
		return "CPU_EXEC_2"
	case TagInterruptResample:
		return "CPU_EXEC_4"
	case TagExitSampleEarly:
		return "CPU_EXEC_00"
	case TagExitSamplePublish:
		return "CPU_EXEC_000"
	default:
		return "CPU_EXEC_?"
	}
}

// ProgPoint timestamps every RR event: the guest instruction count, the
// full program counter, and an architecture-defined auxiliary register
// (e.g. CS base).
type ProgPoint struct {
	GuestInstrCount uint64
	PC              uint64
	AuxReg          uint64
}

type wireRecord struct {
	Tag       uint8
	_         [7]byte // pad to 8-byte alignment for the following uint64s
	Point     ProgPoint
	Payload   uint32
	_         [4]byte
}

// DesyncError is returned by a Replay-mode Tap when the event stream
// observed at runtime diverges from the logged stream — a different
// callsite tag, or a program point that does not match the logged one,
// at the position the next record was expected. It is fatal: the
// caller should log it and terminate, not attempt to continue.
type DesyncError struct {
	Want CallsiteTag
	Got  CallsiteTag
	At   ProgPoint
	Log  ProgPoint
}

func (e *DesyncError) Error() string {
	if e.Want != e.Got {
		return fmt.Sprintf("rr: desync: expected callsite %s, log has %s at %+v", e.Want, e.Got, e.Log)
	}
	return fmt.Sprintf("rr: desync: callsite %s program point mismatch: live=%+v log=%+v", e.Want, e.At, e.Log)
}

// Options configures Replay-mode behavior that spec.md leaves as a
// tunable rather than fixed semantics.
type Options struct {
	// UseLiveExitRequest bypasses the logged exit_request value in
	// favor of the live one, per the "use_live_exit_request" knob.
	UseLiveExitRequest bool
}

// Tap is RRTap. The zero value is not usable; construct with NewOff,
// NewRecorder, or NewReplayer. A Tap is owned by exactly one guest CPU
// loop and is not safe for concurrent use.
type Tap struct {
	mode Mode
	opts Options

	point ProgPoint

	w *recordWriter

	records []loggedRecord
	pos     int

	flushPending bool

	// insnsUntilNextInterrupt bounds block translation length during
	// replay so a recorded interrupt lands on the instruction boundary
	// it was recorded at. Zero means unbounded.
	insnsUntilNextInterrupt uint64
}

type loggedRecord struct {
	Tag     CallsiteTag
	Point   ProgPoint
	Payload uint32
}

// NewOff returns a Tap that passes every sample straight through.
func NewOff() *Tap {
	return &Tap{mode: Off}
}

// NewRecorder returns a Tap in Record mode, appending every sample to w
// via a background writer goroutine. Close must be called to flush and
// join that goroutine.
func NewRecorder(w io.Writer) (*Tap, error) {
	rw, err := newRecordWriter(w)
	if err != nil {
		return nil, err
	}
	return &Tap{mode: Record, w: rw}, nil
}

// NewReplayer reads the entire record stream from r and returns a Tap in
// Replay mode that will substitute each logged value in order.
func NewReplayer(r io.Reader, opts Options) (*Tap, error) {
	records, err := readRecords(r)
	if err != nil {
		return nil, err
	}
	return &Tap{mode: Replay, opts: opts, records: records}, nil
}

// Mode reports the tap's current mode.
func (t *Tap) Mode() Mode { return t.mode }

// SetProgramPoint samples the current program point. ExecLoop calls it
// at the start of each outer pass and at the top of every inner-loop
// iteration; every sample tapped until the next call is stamped with
// this point. In Replay mode this
// also refreshes the instruction budget InsnsUntilNextInterrupt reports,
// by scanning ahead to the next not-yet-consumed acknowledged-interrupt
// record: this is what lets the loop shorten a translation so a
// recorded interrupt lands on the instruction boundary it was recorded
// at, instead of being redelivered mid-block.
func (t *Tap) SetProgramPoint(guestInstrCount, pc, auxReg uint64) {
	t.point = ProgPoint{GuestInstrCount: guestInstrCount, PC: pc, AuxReg: auxReg}
	if t.mode == Replay {
		t.SetInsnsUntilNextInterrupt(t.nextInterruptBudget())
	}
}

// nextInterruptBudget looks ahead from the current replay position for
// the next logged acknowledge_interrupt record and returns how many
// guest instructions remain until it, or 0 if none remains.
func (t *Tap) nextInterruptBudget() uint64 {
	for i := t.pos; i < len(t.records); i++ {
		if t.records[i].Tag != TagAckVector {
			continue
		}
		next := t.records[i].Point.GuestInstrCount
		if next > t.point.GuestInstrCount {
			return next - t.point.GuestInstrCount
		}
		return 0
	}
	return 0
}

// ProgramPoint returns the most recently sampled program point.
func (t *Tap) ProgramPoint() ProgPoint { return t.point }

// InterruptRequest records or replays the pending-interrupt snapshot.
// In Record mode live is logged unchanged; in Replay mode *live is
// overwritten with the logged value and a DesyncError is returned if the
// stream diverges.
func (t *Tap) InterruptRequest(live *uint32) error {
	return t.tap(TagInterruptSample, live, false)
}

// InterruptResample records or replays the interrupt_request re-sample
// taken immediately after InterruptArbiter has run, checking for a
// late-set EXITTB bit.
func (t *Tap) InterruptResample(live *uint32) error {
	return t.tap(TagInterruptResample, live, false)
}

// AcknowledgeInterrupt records or replays the delivered interrupt vector.
func (t *Tap) AcknowledgeInterrupt(live *uint32) error {
	return t.tap(TagAckVector, live, false)
}

// ExitRequest records or replays an exit-request snapshot for the given
// callsite. In Replay mode, if Options.UseLiveExitRequest is set, the
// logged value is still consumed (to keep the stream aligned) but the
// live value is left untouched.
func (t *Tap) ExitRequest(tag CallsiteTag, live *uint32) error {
	return t.tap(tag, live, t.opts.UseLiveExitRequest)
}

func (t *Tap) tap(tag CallsiteTag, live *uint32, keepLive bool) error {
	switch t.mode {
	case Off:
		return nil
	case Record:
		t.w.submit(loggedRecord{Tag: tag, Point: t.point, Payload: *live})
		return nil
	case Replay:
		if t.pos >= len(t.records) {
			return &DesyncError{Want: tag, Got: 0, At: t.point}
		}
		rec := t.records[t.pos]
		t.pos++
		if rec.Tag != tag {
			return &DesyncError{Want: tag, Got: rec.Tag, At: t.point, Log: rec.Point}
		}
		if rec.Point != t.point {
			return &DesyncError{Want: tag, Got: tag, At: t.point, Log: rec.Point}
		}
		if !keepLive {
			*live = rec.Payload
		}
		return nil
	default:
		return nil
	}
}

// RequestTBFlush arms the one-shot BlockCache-flush flag, consumed by the
// next call to FlushTBPending.
func (t *Tap) RequestTBFlush() {
	t.flushPending = true
}

// FlushTBPending consumes and reports the one-shot flush flag.
func (t *Tap) FlushTBPending() bool {
	pending := t.flushPending
	t.flushPending = false
	return pending
}

// SetInsnsUntilNextInterrupt records, for Replay mode only, the
// instruction budget a translated block must not exceed so a recorded
// interrupt lands on the boundary it was recorded at. Zero means
// unbounded.
func (t *Tap) SetInsnsUntilNextInterrupt(n uint64) {
	t.insnsUntilNextInterrupt = n
}

// InsnsUntilNextInterrupt returns the current replay instruction budget.
func (t *Tap) InsnsUntilNextInterrupt() uint64 {
	return t.insnsUntilNextInterrupt
}

// Close flushes and releases any background writer. A no-op in Off or
// Replay mode.
func (t *Tap) Close() error {
	if t.mode != Record {
		return nil
	}
	return t.w.close()
}

type recordWriter struct {
	w       io.Writer
	submits chan loggedRecord
	done    chan error
}

func newRecordWriter(w io.Writer) (*recordWriter, error) {
	if err := binary.Write(w, binary.LittleEndian, magic); err != nil {
		return nil, fmt.Errorf("rr: write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, version); err != nil {
		return nil, fmt.Errorf("rr: write version: %w", err)
	}
	rw := &recordWriter{
		w:       w,
		submits: make(chan loggedRecord, 256),
		done:    make(chan error, 1),
	}
	go rw.run()
	return rw, nil
}

func (rw *recordWriter) run() {
	bw := bufio.NewWriterSize(rw.w, 32*1024)
	for rec := range rw.submits {
		wr := wireRecord{Tag: uint8(rec.Tag), Point: rec.Point, Payload: rec.Payload}
		if err := binary.Write(bw, binary.LittleEndian, wr); err != nil {
			rw.done <- fmt.Errorf("rr: write record: %w", err)
			return
		}
	}
	rw.done <- bw.Flush()
}

func (rw *recordWriter) submit(rec loggedRecord) {
	rw.submits <- rec
}

func (rw *recordWriter) close() error {
	close(rw.submits)
	return <-rw.done
}

func readRecords(r io.Reader) ([]loggedRecord, error) {
	br := bufio.NewReader(r)

	var gotMagic, gotVersion uint32
	if err := binary.Read(br, binary.LittleEndian, &gotMagic); err != nil {
		return nil, fmt.Errorf("rr: read magic: %w", err)
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("rr: bad magic %#x", gotMagic)
	}
	if err := binary.Read(br, binary.LittleEndian, &gotVersion); err != nil {
		return nil, fmt.Errorf("rr: read version: %w", err)
	}
	if gotVersion != version {
		return nil, fmt.Errorf("rr: unsupported version %d", gotVersion)
	}

	var records []loggedRecord
	for {
		var wr wireRecord
		if err := binary.Read(br, binary.LittleEndian, &wr); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return nil, fmt.Errorf("rr: read record: %w", err)
		}
		records = append(records, loggedRecord{
			Tag:     CallsiteTag(wr.Tag),
			Point:   wr.Point,
			Payload: wr.Payload,
		})
	}
}
