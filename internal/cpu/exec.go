package cpu

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/execloop/corevm/internal/debug"
	"github.com/execloop/corevm/internal/rr"
)

// Executor runs host-native translated code, consumed only through
// Execute. It may call env.Unwind.Abort() itself (e.g. on a
// synchronous trap inside translated code); doing so unwinds to the
// loop head, the same path a returned GuestFault error takes. Any other
// returned error ends ExecLoop.Execute with that error.
type Executor interface {
	Execute(env *CPUState, tb *TranslatedBlock) (NextTbWord, error)
}

// currentCPU is the process-wide "current CPU" reference, set at
// entry to Execute and cleared at exit, consulted only by a signal
// handler (or immediately after an unwind) — never from ordinary loop
// code.
var currentCPU atomic.Pointer[CPUState]

// CurrentCPU returns the CPUState most recently published by a
// running ExecLoop, or nil if none is executing. Intended for use by
// an asynchronous interrupt producer (a signal handler, or its Go
// analogue) that needs to find the state to mutate.
func CurrentCPU() *CPUState {
	return currentCPU.Load()
}

var globalExitRequest atomic.Bool

// RequestGlobalExit sets the process-wide exit_request flag mirrored
// onto every CPUState at the top of its next Execute call.
func RequestGlobalExit() {
	globalExitRequest.Store(true)
}

// ExecLoop is the top-level driver: it owns the unwind context's
// re-entry protocol and orchestrates BlockCache, FlagsCodec,
// InterruptArbiter, and RRTap around calls into the external
// Translator and Executor.
type ExecLoop struct {
	cache    *BlockCache
	codec    FlagsCodec
	arbiter  InterruptArbiter
	deliver  ExceptionDeliverer
	executor Executor
	tap      *rr.Tap
	config   LoopConfig

	// DebugHandler runs exactly once whenever the loop terminates with
	// ExcpDebug, before Execute returns. Optional.
	DebugHandler func(env *CPUState)

	tracer debug.Tracer
}

// NewExecLoop wires the loop's collaborators together.
func NewExecLoop(cache *BlockCache, codec FlagsCodec, arbiter InterruptArbiter, deliver ExceptionDeliverer, executor Executor, tap *rr.Tap, config LoopConfig) *ExecLoop {
	return &ExecLoop{
		cache:    cache,
		codec:    codec,
		arbiter:  arbiter,
		deliver:  deliver,
		executor: executor,
		tap:      tap,
		config:   config,
		tracer:   debug.WithSource("cpu.ExecLoop"),
	}
}

// hasPendingWork reports whether the halted CPU has anything that
// should wake it (a pending interrupt, or an exit request), matching
// step 2 of the outer protocol.
func (l *ExecLoop) hasPendingWork(env *CPUState) bool {
	return env.InterruptRequest.Load() != 0 || env.ExitRequest.Load() != 0
}

// Execute runs the guest CPU until a terminal exit code is reached.
func (l *ExecLoop) Execute(env *CPUState) (ExitCode, error) {
	if l.tap.FlushTBPending() {
		l.cache.Flush()
		for i := range env.TBJmpCache {
			env.TBJmpCache[i] = nil
		}
	}

	if env.Halted.Load() && !l.hasPendingWork(env) {
		l.tracer.Write("halted, no pending work")
		return ExitCode(ExcpHalted), nil
	}
	env.Halted.Store(false)

	l.tracer.Writef("enter pc=%#x", env.PC)
	currentCPU.Store(env)
	defer currentCPU.Store(nil)

	if globalExitRequest.Load() {
		env.ExitRequest.Store(1)
	}

	l.codec.Enter(env)
	defer l.codec.Leave(env)

	var (
		ret ExitCode
		err error
	)
	for {
		aborted := env.Unwind.Run(func() {
			ret, err = l.runOnce(env)
		})
		if !aborted {
			break
		}
		env = currentCPU.Load()
		env.CurrentTB.Store(nil)
	}
	l.tracer.Writef("exit ret=%d err=%v", ret, err)
	return ret, err
}

// runOnce performs exactly one pass of the outer exception dispatch
// followed by the inner block-execution loop. It returns normally only
// on a terminal exit; any other exit from this function happens via
// env.Unwind.Abort(), which panics and is recovered by Execute.
func (l *ExecLoop) runOnce(env *CPUState) (ExitCode, error) {
	env.AuxReg = env.CSBase
	l.tap.SetProgramPoint(env.GuestInstrCount, env.PC, env.AuxReg)

	if env.ExceptionIndex >= 0 {
		if env.ExceptionIndex >= ExcpInterrupt {
			ret := env.ExceptionIndex
			if ret == ExcpDebug && l.DebugHandler != nil {
				l.DebugHandler(env)
			}
			return ExitCode(ret), nil
		}
		if err := l.deliver.DeliverException(env); err != nil {
			return 0, l.classifyCollaboratorError(env, "deliver_exception", err)
		}
		env.ExceptionIndex = noException
	}

	var next NextTbWord
	var prevTB *TranslatedBlock

	for {
		// 1. sample program point and pending interrupts.
		l.tap.SetProgramPoint(env.GuestInstrCount, env.PC, env.AuxReg)
		irq := env.InterruptRequest.Load()
		if err := l.tap.InterruptRequest(&irq); err != nil {
			return 0, err
		}

		// 2. arbitrate, then re-sample for a late EXITTB bit.
		if irq != 0 {
			outcome, err := l.arbiter.Arbitrate(env, irq, l.tap)
			if err != nil {
				return 0, err
			}
			if outcome.Unwind {
				env.Unwind.Abort()
			}
			if outcome.BreakChain {
				next = NextTbWord{}
			}
			resampled := env.InterruptRequest.Load()
			if err := l.tap.InterruptResample(&resampled); err != nil {
				return 0, err
			}
			if resampled&IntrExitTB != 0 {
				env.InterruptRequest.Store(resampled &^ IntrExitTB)
				next = NextTbWord{}
			}
		}

		// 3. exit_request, sampled before the cache lookup.
		exitReq := env.ExitRequest.Load()
		if err := l.tap.ExitRequest(rr.TagExitSampleEarly, &exitReq); err != nil {
			return 0, err
		}
		if exitReq != 0 {
			env.ExitRequest.Store(0)
			env.ExceptionIndex = ExcpInterrupt
			env.Unwind.Abort()
		}

		// 4. find (or generate) the block for the current PC.
		tb, invalidated, err := l.cache.FindFast(env)
		if err != nil {
			return 0, l.classifyCollaboratorError(env, "find_fast", err)
		}

		// 5. in REPLAY, force a shorter translation if this block
		// would run past the next recorded interrupt.
		if l.tap.Mode() == rr.Replay {
			if budget := l.tap.InsnsUntilNextInterrupt(); budget > 0 && uint64(tb.NumGuestInsns) > budget {
				l.cache.InvalidateSingle(tb)
				tb, invalidated, err = l.cache.FindOrGenerate(env, env.PC, env.CSBase, env.Flags, uint32(budget))
				if err != nil {
					return 0, l.classifyCollaboratorError(env, "find_or_generate", err)
				}
			}
		}

		// 6. a lookup-time invalidation makes the pending chain target
		// unsafe.
		if invalidated {
			next = NextTbWord{}
		}

		// 7. block chaining.
		if next.Status == TBExitChain && prevTB != nil && !tb.SpansPages() &&
			l.tap.Mode() != rr.Replay && l.config.EnableChaining {
			l.cache.PatchChain(prevTB, tb)
		}

		// 8. publish, barrier, re-sample exit_request.
		env.CurrentTB.Store(tb)
		exitReq2 := env.ExitRequest.Load()
		if err := l.tap.ExitRequest(rr.TagExitSamplePublish, &exitReq2); err != nil {
			return 0, err
		}

		// 9. execute, unless a signal fired between steps 3 and 8.
		if exitReq2 == 0 {
			word, err := l.executor.Execute(env, tb)
			if err != nil {
				return 0, l.classifyCollaboratorError(env, "execute", err)
			}
			switch word.Status {
			case TBExitNormal, TBExitChain:
				next = word
			case TBExitCounterExpired:
				if refilled := l.handleCounterExpiry(env, tb); refilled {
					next = NextTbWord{}
				}
				// else: handleCounterExpiry already aborted.
			}
		}

		// 10. clear current_tb and loop back for the next block.
		env.CurrentTB.Store(nil)
		prevTB = tb
	}
}

// handleCounterExpiry implements the instruction-counter-expired branch
// of step 9: restore PC, then either refill the decrementer from the
// icount_extra reservoir (returns true, loop continues) or run the
// residual instructions once with caching disabled and unwind with
// ExcpInterrupt (never returns).
func (l *ExecLoop) handleCounterExpiry(env *CPUState, tb *TranslatedBlock) (refilled bool) {
	env.PC = tb.PC

	if env.ICountExtra > 0 {
		refill := env.ICountExtra
		const maxDecr = 1 << 16
		if refill > maxDecr {
			refill = maxDecr
		}
		env.ICountDecr = int32(refill)
		env.ICountExtra -= refill
		return true
	}

	insnsLeft := uint32(env.ICountDecr)
	l.execNocache(env, insnsLeft)
	env.ExceptionIndex = ExcpInterrupt
	env.Unwind.Abort()
	return false // unreachable
}

// execNocache is cpu_exec_nocache: generate a single-use block capped
// at insnsLeft, run it once, and discard it. Unlike FindOrGenerate
// this block is never inserted into BlockCache — it exists only to
// burn down a residual instruction count, not to be chained to or
// looked up again.
func (l *ExecLoop) execNocache(env *CPUState, insnsLeft uint32) {
	tb, err := l.cache.translator.Generate(env, env.PC, env.CSBase, env.Flags, insnsLeft)
	if err != nil {
		env.ExceptionIndex = ExcpInterrupt
		return
	}
	word, err := l.executor.Execute(env, tb)
	if err != nil {
		env.ExceptionIndex = ExcpInterrupt
		return
	}
	if word.Status == TBExitCounterExpired {
		env.PC = tb.PC
	}
	tb.invalid = true
}

// classifyCollaboratorError turns a collaborator error into either a
// synchronous guest exception (unwinds, never returns) or a wrapped Go
// error returned to Execute's caller, per the taxonomy in spec.md §7.
func (l *ExecLoop) classifyCollaboratorError(env *CPUState, op string, err error) error {
	var fault GuestFault
	if errors.As(err, &fault) {
		env.ExceptionIndex = fault.ExceptionIndex()
		env.Unwind.Abort()
	}
	return fmt.Errorf("cpu: %s: %w", op, err)
}
