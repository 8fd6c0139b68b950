package cpu

import (
	"fmt"

	gvisorsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/execloop/corevm/internal/debug"
)

const pageMask = ^uint64(0xfff)
const slowHashBits = 12

// Translator is the external translator front end, consumed only
// through Generate.
type Translator interface {
	Generate(env *CPUState, pc, csBase uint64, flags uint32, maxCycles uint32) (*TranslatedBlock, error)
}

// MemoryTranslator is the guest MMU / physical-address translator,
// consumed only through CodePhysAddr. It may itself raise a memory
// exception; implementations that need to unwind should return a
// GuestFault.
type MemoryTranslator interface {
	CodePhysAddr(env *CPUState, virtPC uint64) (uint64, error)
}

// GuestFault lets a collaborator (MemoryTranslator, Translator) signal
// that an error should be delivered as a synchronous guest exception
// rather than treated as a host-level failure.
type GuestFault interface {
	error
	ExceptionIndex() int32
}

// BlockCache is the two-level translation-block cache: a fast
// direct-mapped cache keyed by virtual PC (CPUState.TBJmpCache, owned
// exclusively by its CPU's goroutine) and a slow open-chained hash
// table keyed by physical PC, shared across CPUs under a single lock —
// the same "one lock guards the one genuinely contended structure"
// shape the teacher uses for its own cross-goroutine shared state.
type BlockCache struct {
	mu   gvisorsync.RWMutex
	slow map[uint64]*TranslatedBlock

	translator Translator
	memx       MemoryTranslator
	tracer     debug.Tracer

	patches int
}

// NewBlockCache builds an empty BlockCache backed by the given
// collaborators.
func NewBlockCache(translator Translator, memx MemoryTranslator) *BlockCache {
	return &BlockCache{
		slow:       make(map[uint64]*TranslatedBlock),
		translator: translator,
		memx:       memx,
		tracer:     debug.WithSource("cpu.BlockCache"),
	}
}

func hashVirt(pc uint64) uint64 {
	return pc & ((1 << fastCacheBits) - 1)
}

func hashPhys(physPC uint64) uint64 {
	return (physPC >> 12) & ((1 << slowHashBits) - 1)
}

// FindFast implements find_fast: consult the per-CPU virtual-PC cache
// and fall back to the slow path on a miss.
func (c *BlockCache) FindFast(env *CPUState) (tb *TranslatedBlock, invalidated bool, err error) {
	idx := hashVirt(env.PC)
	cand := env.TBJmpCache[idx]
	if cand != nil && !cand.invalid &&
		cand.PC == env.PC && cand.CSBase == env.CSBase && cand.Flags == env.Flags {
		return cand, false, nil
	}
	staleHit := cand != nil && cand.invalid
	tb, invalidated, err = c.FindOrGenerate(env, env.PC, env.CSBase, env.Flags, 0)
	if err != nil {
		return nil, false, err
	}
	env.TBJmpCache[idx] = tb
	return tb, invalidated || staleHit, nil
}

// FindOrGenerate implements find_or_generate: compute the physical
// address, walk the slow chain for a match, generate on a miss, and
// move the resolved block to the front of its chain.
func (c *BlockCache) FindOrGenerate(env *CPUState, pc, csBase uint64, flags uint32, maxCycles uint32) (tb *TranslatedBlock, invalidated bool, err error) {
	physPC, err := c.memx.CodePhysAddr(env, pc)
	if err != nil {
		return nil, false, fmt.Errorf("cpu: code_phys_addr: %w", err)
	}
	physPage0 := physPC & pageMask

	c.mu.Lock()
	defer c.mu.Unlock()

	h := hashPhys(physPC)
	head := c.slow[h]

	var prev *TranslatedBlock
	for cur := head; cur != nil; cur = cur.physHashNext {
		if cur.invalid {
			prev = cur
			continue
		}
		if cur.PC == pc && cur.PageAddr[0] == physPage0 && cur.CSBase == csBase && cur.Flags == flags {
			if cur.SpansPages() {
				nextPagePhys, err := c.memx.CodePhysAddr(env, (pc&pageMask)+0x1000)
				if err != nil || nextPagePhys&pageMask != cur.PageAddr[1] {
					prev = cur
					continue
				}
			}
			c.moveToFront(h, prev, cur)
			return cur, false, nil
		}
		prev = cur
	}

	generated, err := c.translator.Generate(env, pc, csBase, flags, maxCycles)
	if err != nil {
		return nil, false, fmt.Errorf("cpu: generate: %w", err)
	}
	generated.PageAddr[0] = physPage0
	c.tracer.Writef("generate pc=%#x phys=%#x insns=%d", pc, physPC, generated.NumGuestInsns)

	generated.physHashNext = c.slow[h]
	c.slow[h] = generated
	// Generation is permitted to invalidate blocks as a side effect
	// (e.g. a translator that discovers stale code while decoding);
	// this BlockCache never does that itself, so FindOrGenerate always
	// reports "not invalidated". FindFast reports true only when its
	// fast-cache slot held a block that Invalidate had marked dead.
	return generated, false, nil
}

// moveToFront implements move-to-front LRU promotion on the slow
// collision chain. Must be called with mu held.
func (c *BlockCache) moveToFront(h uint64, prev, tb *TranslatedBlock) {
	if prev == nil {
		return // already at the head
	}
	prev.physHashNext = tb.physHashNext
	tb.physHashNext = c.slow[h]
	c.slow[h] = tb
}

// Invalidate unlinks tb from its physical chain, nulls every
// tb_jmp_cache slot referencing it is the caller's responsibility
// (CPUState owns its own fast cache; BlockCache cannot reach into
// every CPU's array), and marks it dead so a stale fast-cache hit is
// rejected on the next FindFast.
func (c *BlockCache) Invalidate(tb *TranslatedBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlink(tb)
	tb.invalid = true
}

// InvalidateSingle is Invalidate for the one case the loop calls it
// directly outside of an async write path: forcing a shorter replay
// translation (spec.md-equivalent "invalidate this single block and
// re-find it").
func (c *BlockCache) InvalidateSingle(tb *TranslatedBlock) {
	c.Invalidate(tb)
}

func (c *BlockCache) unlink(tb *TranslatedBlock) {
	for h, head := range c.slow {
		if head == tb {
			c.slow[h] = tb.physHashNext
			return
		}
		prev := head
		for cur := head; cur != nil; cur = cur.physHashNext {
			if cur == tb {
				prev.physHashNext = cur.physHashNext
				return
			}
			prev = cur
		}
	}
}

// Flush drops every block from the slow table. Per-CPU fast caches are
// stale after this and must be cleared by the caller (ExecLoop does
// this by zeroing CPUState.TBJmpCache).
func (c *BlockCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slow = make(map[uint64]*TranslatedBlock)
	c.tracer.Write("flush")
}

// PatchChain patches from's exit to jump directly to to. It traces the
// decision and counts it (see PatchCount); the link itself is not
// recorded in BlockCache. Only legal while holding
// the cache lock, which this method does itself; callers must have
// already established that neither the REPLAY restriction nor the
// page-spanning restriction applies.
func (c *BlockCache) PatchChain(from, to *TranslatedBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracer.Writef("chain pc=%#x -> pc=%#x", from.PC, to.PC)
	c.patches++
	// The patched reference itself lives in whatever native code From
	// owns (the external Executor's concern); BlockCache's role is
	// only to gate and serialize the decision, which happens above.
}

// PatchCount reports how many times PatchChain has run, for tests that
// need to observe whether chaining occurred without reaching into
// executor-owned native code.
func (c *BlockCache) PatchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.patches
}
