// Package cpu implements the guest CPU execution loop: the driver that
// repeatedly locates or generates a translated block for the current
// program counter, arbitrates pending interrupts, dispatches into
// translated code, and absorbs non-local exits from it.
package cpu

import (
	"sync/atomic"

	"github.com/execloop/corevm/internal/rr"
)

// ExitCode is a terminal return value of ExecLoop.Execute, always
// >= ExcpInterrupt.
type ExitCode int32

const (
	// ExcpInterrupt marks a synchronous exception as a terminal loop
	// exit; values below it are delivered internally and never
	// observed by the caller.
	ExcpInterrupt int32 = 0x10000
	ExcpHalted    int32 = ExcpInterrupt + 1
	ExcpDebug     int32 = ExcpInterrupt + 2
)

const noException int32 = -1

// interrupt_request bits, shared by every architecture (including the
// x86-specific SMI, MCE and VIRQ requests). Architecture-specific state
// bits that are not interrupt requests live in internal/arch/<name>.
const (
	IntrInit uint32 = 1 << iota
	IntrSIPI
	IntrHard
	IntrNMI
	IntrSMI
	IntrMCE
	IntrVIRQ
	IntrDebug
	IntrHalt
	IntrExitTB
)

const fastCacheBits = 10

// CPUState is the shared, single-owner mutable guest CPU state (`env`
// in the glossary). Fields touched from signal/producer context are
// atomics; everything else is owned exclusively by the loop goroutine.
type CPUState struct {
	PC     uint64
	CSBase uint64
	Flags  uint32

	// ExceptionIndex is the pending synchronous exception.
	// noException (-1) means none; values >= ExcpInterrupt are
	// terminal exits of the loop.
	ExceptionIndex int32

	// InterruptRequest is a bitfield, mutable from signal/producer
	// context. Every control-path read goes through an RRTap.
	InterruptRequest atomic.Uint32

	// ExitRequest is set from signal/producer context to request an
	// orderly loop exit. 0 or 1.
	ExitRequest atomic.Uint32

	// Halted, if set and no work is pending, makes the loop return
	// ExcpHalted immediately.
	Halted atomic.Bool

	// CurrentTB is the block currently executing, or nil. Used by the
	// asynchronous-write path to detect self-modification of the
	// running block.
	CurrentTB atomic.Pointer[TranslatedBlock]

	Unwind *UnwindContext

	SinglestepEnabled bool
	ICountDecr        int32
	ICountExtra       int64

	// GuestInstrCount is the retired guest instruction counter, used
	// to stamp RRTap program points.
	GuestInstrCount uint64

	// TBJmpCache is the per-CPU direct-mapped virtual-PC fast cache.
	TBJmpCache [1 << fastCacheBits]*TranslatedBlock

	// FlagScratch holds architecture-specific lazy-flags temporaries
	// (e.g. x86's CC_SRC/CC_OP/DF), opaque to everything but the
	// active CpuFlagsCodec.
	FlagScratch [4]uint64

	// AuxReg feeds the aux_reg component of RRTap's ProgPoint; its
	// architectural meaning (e.g. CS selector) is up to the codec.
	AuxReg uint64
}

// NewCPUState returns a CPUState ready to enter the loop, with no
// pending exception and an installed UnwindContext.
func NewCPUState() *CPUState {
	env := &CPUState{ExceptionIndex: noException}
	env.Unwind = &UnwindContext{}
	return env
}

// ProgPoint samples the RRTap timestamp triple for the current state.
func (env *CPUState) ProgPoint() rr.ProgPoint {
	return rr.ProgPoint{GuestInstrCount: env.GuestInstrCount, PC: env.PC, AuxReg: env.AuxReg}
}

const sentinelPageAddr = ^uint64(0)

// TranslatedBlock (`tb`) is a single-entry translation produced by the
// external translator and owned by BlockCache until Invalidate.
type TranslatedBlock struct {
	PC     uint64
	CSBase uint64
	Flags  uint32

	// PageAddr holds the physical page(s) the block spans.
	// PageAddr[1] == sentinelPageAddr means single-page.
	PageAddr [2]uint64

	// Code is the host-native entry point handed to the external
	// Executor. Its concrete type is a contract between Translator and
	// Executor; the loop never inspects it.
	Code any

	NumGuestInsns uint32

	// physHashNext is the successor in the slow-path collision chain,
	// owned by BlockCache.
	physHashNext *TranslatedBlock

	invalid bool
}

// SpansPages reports whether the block straddles two physical pages,
// which makes chain-patching into it unsafe.
func (tb *TranslatedBlock) SpansPages() bool {
	return tb.PageAddr[1] != sentinelPageAddr
}

// TBExitStatus is the low two bits of the word the external Executor
// returns on every block exit.
type TBExitStatus uint8

const (
	TBExitNormal         TBExitStatus = 0
	TBExitChain          TBExitStatus = 1
	TBExitCounterExpired TBExitStatus = 2
)

// NextTbWord is the machine word returned by the executor: a status
// plus, for TBExitChain and TBExitCounterExpired, the block it refers
// to (the chain target, or the block that was executing when the
// instruction counter expired).
type NextTbWord struct {
	Status TBExitStatus
	Target *TranslatedBlock
}
