package cpu

import (
	"bytes"
	"testing"

	"github.com/execloop/corevm/internal/rr"
)

type noopDeliverer struct{ calls int }

func (d *noopDeliverer) DeliverException(env *CPUState) error {
	d.calls++
	return nil
}

type scriptedExecutor struct {
	results []NextTbWord
	onCall  func(env *CPUState, call int)
	calls   int
}

func (e *scriptedExecutor) Execute(env *CPUState, tb *TranslatedBlock) (NextTbWord, error) {
	idx := e.calls
	e.calls++
	if e.onCall != nil {
		e.onCall(env, idx)
	}
	if idx < len(e.results) {
		return e.results[idx], nil
	}
	return e.results[len(e.results)-1], nil
}

type stubArbiter struct {
	ackVector uint32
	delivered []uint32
}

func (a *stubArbiter) Arbitrate(env *CPUState, snapshot uint32, tap RRInterruptTap) (Outcome, error) {
	if snapshot&IntrDebug != 0 {
		env.ExceptionIndex = ExcpDebug
		return Outcome{Unwind: true}, nil
	}
	if snapshot&IntrHard != 0 {
		vec := a.ackVector
		if err := tap.AcknowledgeInterrupt(&vec); err != nil {
			return Outcome{}, err
		}
		a.delivered = append(a.delivered, vec)
		env.InterruptRequest.Store(snapshot &^ IntrHard)
		return Outcome{Delivered: true, BreakChain: true}, nil
	}
	return Outcome{}, nil
}

func newTestLoop(t *testing.T, translator Translator, executor Executor, arbiter InterruptArbiter, tap *rr.Tap, cfg LoopConfig) *ExecLoop {
	t.Helper()
	cache := NewBlockCache(translator, identityMemx{})
	return NewExecLoop(cache, NoopFlagsCodec{}, arbiter, &noopDeliverer{}, executor, tap, cfg)
}

func TestS1HaltedIdle(t *testing.T) {
	env := NewCPUState()
	env.Halted.Store(true)

	loop := newTestLoop(t, &stubTranslator{}, &scriptedExecutor{}, &stubArbiter{}, rr.NewOff(), DefaultLoopConfig())
	ret, err := loop.Execute(env)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ret != ExitCode(ExcpHalted) {
		t.Fatalf("ret = %d, want ExcpHalted", ret)
	}
	if !env.Halted.Load() {
		t.Fatal("env.Halted must remain set")
	}
	if CurrentCPU() != nil {
		t.Fatal("current CPU must be cleared")
	}
}

func TestS2SingleBlockRun(t *testing.T) {
	env := NewCPUState()
	env.PC = 0x1000

	tr := &stubTranslator{gen: func(env *CPUState, pc, csBase uint64, flags uint32, maxCycles uint32) (*TranslatedBlock, error) {
		return identityBlock(pc, 1), nil
	}}
	exec := &scriptedExecutor{
		results: []NextTbWord{{Status: TBExitNormal}},
		onCall: func(env *CPUState, call int) {
			if call == 0 {
				env.ExitRequest.Store(1)
			}
		},
	}

	loop := newTestLoop(t, tr, exec, &stubArbiter{}, rr.NewOff(), DefaultLoopConfig())
	ret, err := loop.Execute(env)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ret != ExitCode(ExcpInterrupt) {
		t.Fatalf("ret = %d, want ExcpInterrupt", ret)
	}
	if exec.calls != 1 {
		t.Fatalf("executor called %d times, want exactly 1", exec.calls)
	}
}

func TestS3ChainingAndReplaySuppression(t *testing.T) {
	buildScenario := func(tap *rr.Tap, enableChaining bool) (*BlockCache, int) {
		var block1, block2 *TranslatedBlock
		tr := &stubTranslator{gen: func(env *CPUState, pc, csBase uint64, flags uint32, maxCycles uint32) (*TranslatedBlock, error) {
			tb := identityBlock(pc, 1)
			if pc == 0x1000 {
				block1 = tb
			} else {
				block2 = tb
			}
			return tb, nil
		}}
		env := NewCPUState()
		env.PC = 0x1000

		exec := &scriptedExecutor{
			results: []NextTbWord{{}, {Status: TBExitNormal}},
			onCall: func(env *CPUState, call int) {
				switch call {
				case 0:
					env.PC = 0x2000
				case 1:
					env.ExitRequest.Store(1)
				}
			},
		}
		cache := NewBlockCache(tr, identityMemx{})
		loop := NewExecLoop(cache, NoopFlagsCodec{}, &stubArbiter{}, &noopDeliverer{}, exec, tap, LoopConfig{EnableChaining: enableChaining})

		// The first executor result asks to chain. Its Target is left
		// nil: ExecLoop only inspects Status, and chains to whichever
		// block it resolves for the next PC (0x2000).
		exec.results[0] = NextTbWord{Status: TBExitChain}

		if _, err := loop.Execute(env); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		_ = block1
		_ = block2
		return cache, cache.PatchCount()
	}

	var recordLog bytes.Buffer
	recTap, err := rr.NewRecorder(&recordLog)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	_, patchesRecorded := buildScenario(recTap, true)
	if err := recTap.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if patchesRecorded != 1 {
		t.Fatalf("patches under record+EnableChaining = %d, want 1", patchesRecorded)
	}

	replayTap, err := rr.NewReplayer(bytes.NewReader(recordLog.Bytes()), rr.Options{})
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}
	_, patchesReplayed := buildScenario(replayTap, true)
	if patchesReplayed != 0 {
		t.Fatalf("patches under replay = %d, want 0 (chaining must never occur in REPLAY)", patchesReplayed)
	}

	_, patchesDisabled := buildScenario(rr.NewOff(), false)
	if patchesDisabled != 0 {
		t.Fatalf("patches with EnableChaining=false = %d, want 0", patchesDisabled)
	}
}

func TestS4CounterExpiry(t *testing.T) {
	env := NewCPUState()
	env.PC = 0x1000
	env.ICountDecr = 3
	env.ICountExtra = 0

	tr := &stubTranslator{gen: func(env *CPUState, pc, csBase uint64, flags uint32, maxCycles uint32) (*TranslatedBlock, error) {
		tb := identityBlock(pc, 10)
		return tb, nil
	}}
	exec := &scriptedExecutor{
		results: []NextTbWord{
			{Status: TBExitCounterExpired},
			{Status: TBExitNormal},
		},
	}

	loop := newTestLoop(t, tr, exec, &stubArbiter{}, rr.NewOff(), DefaultLoopConfig())
	ret, err := loop.Execute(env)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ret != ExitCode(ExcpInterrupt) {
		t.Fatalf("ret = %d, want ExcpInterrupt", ret)
	}
	if exec.calls != 2 {
		t.Fatalf("executor called %d times, want 2 (main block + nocache residual)", exec.calls)
	}
}

func TestS5InterruptDeliveredAndReplayedWithDifferentLiveAck(t *testing.T) {
	var recordLog bytes.Buffer
	recTap, err := rr.NewRecorder(&recordLog)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	env := NewCPUState()
	env.PC = 0x1000
	env.InterruptRequest.Store(IntrHard)

	tr := &stubTranslator{gen: func(env *CPUState, pc, csBase uint64, flags uint32, maxCycles uint32) (*TranslatedBlock, error) {
		return identityBlock(pc, 1), nil
	}}
	exec := &scriptedExecutor{
		results: []NextTbWord{{Status: TBExitNormal}},
		onCall: func(env *CPUState, call int) {
			if call == 0 {
				env.ExitRequest.Store(1)
			}
		},
	}
	arb := &stubArbiter{ackVector: 0x21}
	loop := newTestLoop(t, tr, exec, arb, recTap, DefaultLoopConfig())
	if _, err := loop.Execute(env); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := recTap.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(arb.delivered) != 1 || arb.delivered[0] != 0x21 {
		t.Fatalf("delivered = %v, want [0x21]", arb.delivered)
	}

	// Replay with a different live acknowledge_interrupt: the logged
	// vector must still dominate.
	replayTap, err := rr.NewReplayer(bytes.NewReader(recordLog.Bytes()), rr.Options{})
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}
	env2 := NewCPUState()
	env2.PC = 0x1000
	env2.InterruptRequest.Store(IntrHard)
	exec2 := &scriptedExecutor{
		results: []NextTbWord{{Status: TBExitNormal}},
		onCall: func(env *CPUState, call int) {
			if call == 0 {
				env.ExitRequest.Store(1)
			}
		},
	}
	arb2 := &stubArbiter{ackVector: 0x99}
	loop2 := newTestLoop(t, tr, exec2, arb2, replayTap, DefaultLoopConfig())
	if _, err := loop2.Execute(env2); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(arb2.delivered) != 1 || arb2.delivered[0] != 0x21 {
		t.Fatalf("replayed delivered = %v, want [0x21] (logged value must dominate live 0x99)", arb2.delivered)
	}
}

func TestS6DebugOverride(t *testing.T) {
	env := NewCPUState()
	env.PC = 0x1000
	env.InterruptRequest.Store(IntrDebug | IntrHard)

	tr := &stubTranslator{gen: func(env *CPUState, pc, csBase uint64, flags uint32, maxCycles uint32) (*TranslatedBlock, error) {
		return identityBlock(pc, 1), nil
	}}
	exec := &scriptedExecutor{results: []NextTbWord{{Status: TBExitNormal}}}
	arb := &stubArbiter{ackVector: 0x21}

	cache := NewBlockCache(tr, identityMemx{})
	loop := NewExecLoop(cache, NoopFlagsCodec{}, arb, &noopDeliverer{}, exec, rr.NewOff(), DefaultLoopConfig())
	debugCalls := 0
	loop.DebugHandler = func(env *CPUState) { debugCalls++ }

	ret, err := loop.Execute(env)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ret != ExitCode(ExcpDebug) {
		t.Fatalf("ret = %d, want ExcpDebug", ret)
	}
	if debugCalls != 1 {
		t.Fatalf("debug handler called %d times, want exactly 1", debugCalls)
	}
	if env.InterruptRequest.Load()&IntrHard == 0 {
		t.Fatal("IntrHard must remain pending across a debug override")
	}
	if exec.calls != 0 {
		t.Fatalf("executor must not run before the debug exception is dispatched, got %d calls", exec.calls)
	}
}

// TestS7ReplayShortensTranslationToNextLoggedInterrupt exercises step 5
// of the inner loop: in Replay mode, a block whose natural size would
// run past the next logged acknowledge_interrupt record must be
// regenerated at the shorter size instead.
func TestS7ReplayShortensTranslationToNextLoggedInterrupt(t *testing.T) {
	build := func(tap *rr.Tap) []uint32 {
		var maxCyclesSeen []uint32
		tr := &stubTranslator{gen: func(env *CPUState, pc, csBase uint64, flags uint32, maxCycles uint32) (*TranslatedBlock, error) {
			maxCyclesSeen = append(maxCyclesSeen, maxCycles)
			insns := uint32(10)
			if maxCycles > 0 && maxCycles < insns {
				insns = maxCycles
			}
			return identityBlock(pc, insns), nil
		}}
		env := NewCPUState()
		env.PC = 0x1000

		exec := &scriptedExecutor{
			results: []NextTbWord{{Status: TBExitNormal}, {Status: TBExitNormal}},
			onCall: func(env *CPUState, call int) {
				switch call {
				case 0:
					env.GuestInstrCount += 6
					env.PC = 0x2000
					env.InterruptRequest.Store(IntrHard)
				case 1:
					env.ExitRequest.Store(1)
				}
			},
		}
		arb := &stubArbiter{ackVector: 0x21}
		loop := newTestLoop(t, tr, exec, arb, tap, DefaultLoopConfig())
		if _, err := loop.Execute(env); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		return maxCyclesSeen
	}

	var recordLog bytes.Buffer
	recTap, err := rr.NewRecorder(&recordLog)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	recorded := build(recTap)
	if err := recTap.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(recorded) != 2 || recorded[0] != 0 || recorded[1] != 0 {
		t.Fatalf("Record-mode maxCycles = %v, want [0 0] (no shortening outside Replay)", recorded)
	}

	replayTap, err := rr.NewReplayer(bytes.NewReader(recordLog.Bytes()), rr.Options{})
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}
	replayed := build(replayTap)
	// block1 is generated once at full size (maxCycles=0), found too long
	// against the logged ack 6 instructions away, and regenerated
	// shorter; block2 at the new PC is generated once, unshortened.
	if len(replayed) != 3 {
		t.Fatalf("Replay-mode translator calls = %v, want 3 generations", replayed)
	}
	if replayed[1] != 6 {
		t.Fatalf("Replay-mode shortened regeneration maxCycles = %d, want 6 (instructions until the logged ack)", replayed[1])
	}
}

func TestExitRequestWithinOneIteration(t *testing.T) {
	env := NewCPUState()
	env.PC = 0x1000
	env.ExitRequest.Store(1)

	tr := &stubTranslator{gen: func(env *CPUState, pc, csBase uint64, flags uint32, maxCycles uint32) (*TranslatedBlock, error) {
		return identityBlock(pc, 1), nil
	}}
	exec := &scriptedExecutor{results: []NextTbWord{{Status: TBExitNormal}}}
	loop := newTestLoop(t, tr, exec, &stubArbiter{}, rr.NewOff(), DefaultLoopConfig())

	ret, err := loop.Execute(env)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ret != ExitCode(ExcpInterrupt) {
		t.Fatalf("ret = %d, want ExcpInterrupt", ret)
	}
	if exec.calls != 0 {
		t.Fatalf("executor must not run once exit_request is already set, got %d calls", exec.calls)
	}
}
