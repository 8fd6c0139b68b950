package cpu

// UnwindContext is a scoped restart barrier: translated code, or a
// signal handler acting on its behalf, may abort back to the
// installation point at any depth. It is realized with panic/recover
// rather than a C-style setjmp/longjmp, confined entirely to this file
// so nothing above it ever sees a raw panic.
//
// Exactly one UnwindContext is installed per entry into Execute. After
// an abort, every local value except the CPUState pointer passed back
// in is untrustworthy; callers must reload state from env.
type UnwindContext struct {
	installed bool
}

// unwindSignal is the sentinel panic value Abort raises. It carries no
// payload: the abort code is always 1, per the contract.
type unwindSignal struct{}

// Run installs the barrier and executes body. If body (or anything it
// calls on the same goroutine) calls Abort, Run recovers and returns
// aborted=true. An Abort on any other goroutine is not recovered here.
// Any other panic propagates unchanged.
func (u *UnwindContext) Run(body func()) (aborted bool) {
	u.installed = true
	defer func() {
		u.installed = false
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(unwindSignal); ok {
			aborted = true
			return
		}
		panic(r)
	}()
	body()
	return false
}

// Abort triggers an unwind back to the nearest enclosing Run. It never
// returns. Calling it with no installed barrier is a programming error.
func (u *UnwindContext) Abort() {
	if !u.installed {
		panic("cpu: UnwindContext.Abort called with no installed barrier")
	}
	panic(unwindSignal{})
}

// Installed reports whether a barrier is currently active, for
// collaborators running inside Run's body that need to know whether
// Abort is safe to call right now. It is a plain field read, not
// synchronized with other goroutines.
func (u *UnwindContext) Installed() bool {
	return u.installed
}
