// Package x86 implements the one concrete architecture capability
// bundle this core ships: lazy-flags conversion and the interrupt
// priority cascade, grounded on the TARGET_I386 branch of the original
// cpu_exec() this core's loop was distilled from. Every other
// architecture named in cpu.ExecLoop's design notes is left as an
// extension point; only one is ever exercised per build.
package x86

import (
	"github.com/execloop/corevm/internal/cpu"
)

// Architecture-specific state bits. None of them is an interrupt_request
// bit: intrNMIMasked is tested in FlagScratch[slotNMIMasked], and ifMask
// in CPUState.Flags.
const (
	intrSMM       uint32 = 1 << 16 // currently in System Management Mode
	intrNMIMasked uint32 = 1 << 17
	ifMask        uint32 = 1 << 9 // guest EFLAGS.IF, mirrored into CPUState.Flags
)

// FlagScratch slot indices within cpu.CPUState.FlagScratch.
const (
	slotCCSrc     = 0
	slotCCOp      = 1
	slotDF        = 2
	slotNMIMasked = 3
)

// FlagsCodec implements cpu.FlagsCodec for x86's lazy condition-code
// representation: CC_SRC/CC_OP are computed lazily from the last ALU
// result and only folded into the canonical EFLAGS image on Leave.
type FlagsCodec struct{}

func (FlagsCodec) Enter(env *cpu.CPUState) {
	// Split the canonical EFLAGS image into CC_SRC/CC_OP/DF lazily-flags
	// form. CC_OP_EFLAGS (0) means "flags already canonical"; the
	// translator recomputes CC_SRC from it on first use.
	env.FlagScratch[slotCCSrc] = uint64(env.Flags)
	env.FlagScratch[slotCCOp] = 0
	if env.Flags&(1<<10) != 0 { // EFLAGS.DF
		env.FlagScratch[slotDF] = ^uint64(0)
	} else {
		env.FlagScratch[slotDF] = 1
	}
}

func (FlagsCodec) Leave(env *cpu.CPUState) {
	// CC_OP_EFLAGS means nothing to fold back: CC_SRC already holds the
	// canonical image. Any other CC_OP would require the translator's
	// ALU-flag recomputation tables, which this core does not own.
	if env.FlagScratch[slotCCOp] == 0 {
		env.Flags = uint32(env.FlagScratch[slotCCSrc])
	}
}

// AckFunc obtains the delivered vector number for a HARD interrupt.
// Grounded on the external acknowledge_interrupt(env) -> u32
// collaborator; the one non-deterministic value that must pass
// through RRTap.
type AckFunc func(env *cpu.CPUState) uint32

// VirqReader reads the vector number from the guest-visible virtual
// interrupt control block.
type VirqReader func(env *cpu.CPUState) uint32

// Deliverer delivers a previously-arbitrated interrupt or exception.
type Deliverer interface {
	DeliverInterrupt(env *cpu.CPUState, vector uint32)
}

// Arbiter implements cpu.InterruptArbiter with the x86 priority
// cascade: INIT, SIPI, then (gated by a global-interrupt-flag check)
// SMI, NMI, MCE, HARD, VIRQ.
type Arbiter struct {
	Ack        AckFunc
	ReadVirq   VirqReader
	Deliver    Deliverer
	InSMM      func(env *cpu.CPUState) bool
	GIFSet     func(env *cpu.CPUState) bool
}

func (a *Arbiter) Arbitrate(env *cpu.CPUState, snapshot uint32, tap cpu.RRInterruptTap) (cpu.Outcome, error) {
	if snapshot&cpu.IntrDebug != 0 {
		env.ExceptionIndex = cpu.ExcpDebug
		return cpu.Outcome{Unwind: true}, nil
	}

	if snapshot&cpu.IntrHalt != 0 {
		env.InterruptRequest.Store(snapshot &^ cpu.IntrHalt)
		env.Halted.Store(true)
		env.ExceptionIndex = cpu.ExcpHalted
		return cpu.Outcome{Unwind: true}, nil
	}

	if snapshot&cpu.IntrInit != 0 {
		env.InterruptRequest.Store(snapshot &^ cpu.IntrInit)
		env.Halted.Store(true)
		env.ExceptionIndex = cpu.ExcpHalted
		return cpu.Outcome{Unwind: true}, nil
	}

	if snapshot&cpu.IntrSIPI != 0 {
		env.InterruptRequest.Store(snapshot &^ cpu.IntrSIPI)
		return cpu.Outcome{}, nil
	}

	if a.GIFSet != nil && !a.GIFSet(env) {
		return cpu.Outcome{}, nil
	}

	if snapshot&cpu.IntrSMI != 0 && (a.InSMM == nil || !a.InSMM(env)) {
		env.InterruptRequest.Store(snapshot &^ cpu.IntrSMI)
		return cpu.Outcome{Delivered: true, BreakChain: true}, nil
	}

	if snapshot&cpu.IntrNMI != 0 && env.FlagScratch[slotNMIMasked]&uint64(intrNMIMasked) == 0 {
		env.InterruptRequest.Store(snapshot &^ cpu.IntrNMI)
		return cpu.Outcome{Delivered: true, BreakChain: true}, nil
	}

	if snapshot&cpu.IntrMCE != 0 {
		env.InterruptRequest.Store(snapshot &^ cpu.IntrMCE)
		return cpu.Outcome{Delivered: true, BreakChain: true}, nil
	}

	ifSet := env.Flags&ifMask != 0
	if snapshot&cpu.IntrHard != 0 && ifSet && a.Ack != nil {
		vector := a.Ack(env)
		if err := tap.AcknowledgeInterrupt(&vector); err != nil {
			// A replay desync at the ack callsite is fatal: the record
			// has already been consumed, so the caller must see this
			// error directly rather than have it masked by a later
			// resample that happens to realign.
			return cpu.Outcome{}, err
		}
		if a.Deliver != nil {
			a.Deliver.DeliverInterrupt(env, vector)
		}
		env.InterruptRequest.Store(snapshot &^ cpu.IntrHard)
		return cpu.Outcome{Delivered: true, BreakChain: true}, nil
	}

	if snapshot&cpu.IntrVIRQ != 0 && ifSet && a.ReadVirq != nil {
		vector := a.ReadVirq(env)
		if a.Deliver != nil {
			a.Deliver.DeliverInterrupt(env, vector)
		}
		env.InterruptRequest.Store(snapshot &^ cpu.IntrVIRQ)
		return cpu.Outcome{Delivered: true, BreakChain: true}, nil
	}

	return cpu.Outcome{}, nil
}
