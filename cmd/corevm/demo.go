package main

import (
	"github.com/execloop/corevm/internal/chipset"
	"github.com/execloop/corevm/internal/cpu"
)

// demoTranslator stands in for a real dynamic translator: every block
// is a fixed run of four guest instructions, capped by maxCycles when
// the caller (a REPLAY-mode shortened lookup) asks for fewer.
type demoTranslator struct{}

func (demoTranslator) Generate(env *cpu.CPUState, pc, csBase uint64, flags uint32, maxCycles uint32) (*cpu.TranslatedBlock, error) {
	insns := uint32(4)
	if maxCycles > 0 && maxCycles < insns {
		insns = maxCycles
	}
	return &cpu.TranslatedBlock{
		PC:            pc,
		CSBase:        csBase,
		Flags:         flags,
		PageAddr:      [2]uint64{pc &^ 0xfff, ^uint64(0)},
		NumGuestInsns: insns,
	}, nil
}

// demoMemx is an identity guest MMU: virtual and physical addresses
// coincide, so every block lives on a single page and chaining is
// never blocked by the page-spanning check.
type demoMemx struct{}

func (demoMemx) CodePhysAddr(env *cpu.CPUState, virtPC uint64) (uint64, error) {
	return virtPC, nil
}

// demoExecutor advances the guest PC and instruction count by a block
// at a time and asks the loop to exit once maxIterations blocks have
// run, the same way a hosted backend's vCPU ioctl loop would signal
// its caller rather than returning a synchronous exit code.
type demoExecutor struct {
	maxIterations int
	calls         int
}

func (e *demoExecutor) Execute(env *cpu.CPUState, tb *cpu.TranslatedBlock) (cpu.NextTbWord, error) {
	e.calls++
	env.GuestInstrCount += uint64(tb.NumGuestInsns)
	env.PC = tb.PC + uint64(tb.NumGuestInsns)*4

	if e.calls >= e.maxIterations {
		env.ExitRequest.Store(1)
		return cpu.NextTbWord{Status: cpu.TBExitNormal, Target: tb}, nil
	}
	return cpu.NextTbWord{Status: cpu.TBExitChain, Target: tb}, nil
}

// demoDeliverer implements both cpu.ExceptionDeliverer and
// x86.Deliverer against the same chipset.LineSet: a delivered hard
// interrupt broadcasts EOI to whatever device stand-in registered for
// its vector, and a synchronous exception (never raised by this demo's
// collaborators) is a no-op.
type demoDeliverer struct {
	lines *chipset.LineSet
}

func (demoDeliverer) DeliverException(env *cpu.CPUState) error {
	return nil
}

func (d demoDeliverer) DeliverInterrupt(env *cpu.CPUState, vector uint32) {
	if d.lines != nil {
		d.lines.BroadcastEOI(uint8(vector))
	}
}
