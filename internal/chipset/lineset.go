// Package chipset aggregates level-triggered interrupt lines from any
// number of producers (device stand-ins, an OS-signal-driven demo
// producer) into the single InterruptRequest bitfield the guest CPU
// execution loop's InterruptArbiter consumes. It does not model a real
// interrupt controller's vector-priority logic; it gives the
// otherwise-abstract "pending interrupt requests" data source a
// concrete, testable shape.
package chipset

import (
	"sync"

	"github.com/execloop/corevm/internal/cpu"
	"github.com/execloop/corevm/internal/debug"
)

// InterruptSink receives edge-triggered notification that a line's
// level changed, so it can fold the change into a CPUState's
// interrupt_request bitfield.
type InterruptSink interface {
	SetIRQ(irq uint8, asserted bool)
}

// LineSet owns a fixed set of IRQ lines and forwards level changes to
// a sink. One LineSet typically feeds one guest CPU.
type LineSet struct {
	mu   sync.Mutex
	sink InterruptSink

	levels map[uint8]bool
	eoi    map[uint8][]func()

	tracer debug.Tracer
}

// NewLineSet builds a LineSet forwarding to sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopSink{}
	}
	return &LineSet{
		sink:   sink,
		levels: make(map[uint8]bool),
		eoi:    make(map[uint8][]func()),
		tracer: debug.WithSource("chipset.LineSet"),
	}
}

// Line is a handle a device stand-in uses to drive one IRQ line.
type Line interface {
	SetLevel(asserted bool)
	Pulse()
}

type lineHandle struct {
	owner *LineSet
	irq   uint8
}

func (h *lineHandle) SetLevel(asserted bool) { h.owner.setLevel(h.irq, asserted) }
func (h *lineHandle) Pulse()                 { h.owner.setLevel(h.irq, true); h.owner.setLevel(h.irq, false) }

// AllocateLine returns a handle for the given IRQ line number.
func (l *LineSet) AllocateLine(irq uint8) Line {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.levels[irq]; !ok {
		l.levels[irq] = false
	}
	return &lineHandle{owner: l, irq: irq}
}

// SetSink rebinds the line set's sink, for callers that must construct
// a LineSet before the sink that depends on it (e.g. a CPUSink, which
// needs the LineSet to resolve a vector).
func (l *LineSet) SetSink(sink InterruptSink) {
	if sink == nil {
		sink = noopSink{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// RegisterEOICallback registers fn to run when BroadcastEOI is called
// for the given vector.
func (l *LineSet) RegisterEOICallback(vector uint8, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[vector] = append(l.eoi[vector], fn)
}

// BroadcastEOI notifies every callback registered for vector.
func (l *LineSet) BroadcastEOI(vector uint8) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[vector]...)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// HighestPriorityVector returns the lowest-numbered asserted line,
// treating line number as vector priority (lower is higher priority),
// for an arch.AckFunc to consult.
func (l *LineSet) HighestPriorityVector() (vector uint8, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for irq := 0; irq < 256; irq++ {
		if l.levels[uint8(irq)] {
			return uint8(irq), true
		}
	}
	return 0, false
}

func (l *LineSet) setLevel(irq uint8, asserted bool) {
	l.mu.Lock()
	changed := l.levels[irq] != asserted
	l.levels[irq] = asserted
	l.mu.Unlock()

	if changed {
		l.tracer.Writef("irq=%d asserted=%t", irq, asserted)
		l.sink.SetIRQ(irq, asserted)
	}
}

type noopSink struct{}

func (noopSink) SetIRQ(uint8, bool) {}

// CPUSink is an InterruptSink that mirrors line assertions into a
// CPUState's interrupt_request bitfield as cpu.IntrHard, matching the
// spec's treatment of HARD as "some architectural interrupt line is
// asserted", with the specific vector resolved later by the arbiter's
// AckFunc via LineSet.HighestPriorityVector.
type CPUSink struct {
	env   *cpu.CPUState
	lines *LineSet
}

// NewCPUSink builds a sink that raises cpu.IntrHard on env whenever
// lines reports any asserted line, and clears it when none remain.
func NewCPUSink(env *cpu.CPUState, lines *LineSet) *CPUSink {
	return &CPUSink{env: env, lines: lines}
}

func (s *CPUSink) SetIRQ(irq uint8, asserted bool) {
	if _, any := s.lines.HighestPriorityVector(); any {
		for {
			cur := s.env.InterruptRequest.Load()
			if cur&cpu.IntrHard != 0 {
				break
			}
			if s.env.InterruptRequest.CompareAndSwap(cur, cur|cpu.IntrHard) {
				break
			}
		}
		return
	}
	for {
		cur := s.env.InterruptRequest.Load()
		if cur&cpu.IntrHard == 0 {
			break
		}
		if s.env.InterruptRequest.CompareAndSwap(cur, cur&^cpu.IntrHard) {
			break
		}
	}
}
