package cpu

import "testing"

func TestUnwindRunReturnsFalseOnNormalCompletion(t *testing.T) {
	u := &UnwindContext{}
	ran := false
	aborted := u.Run(func() { ran = true })
	if aborted {
		t.Fatal("expected aborted=false on normal completion")
	}
	if !ran {
		t.Fatal("body did not run")
	}
	if u.Installed() {
		t.Fatal("barrier should be uninstalled after Run returns")
	}
}

func TestUnwindAbortIsCaughtByRun(t *testing.T) {
	u := &UnwindContext{}
	reachedAfterAbort := false
	aborted := u.Run(func() {
		u.Abort()
		reachedAfterAbort = true
	})
	if !aborted {
		t.Fatal("expected aborted=true")
	}
	if reachedAfterAbort {
		t.Fatal("code after Abort() must not run")
	}
}

func TestUnwindAbortFromNestedCall(t *testing.T) {
	u := &UnwindContext{}
	deep := func() { u.Abort() }
	mid := func() { deep() }
	aborted := u.Run(func() { mid() })
	if !aborted {
		t.Fatal("expected aborted=true from a deeply nested Abort")
	}
}

func TestUnwindAbortWithoutBarrierPanics(t *testing.T) {
	u := &UnwindContext{}
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic calling Abort with no installed barrier")
		}
	}()
	u.Abort()
}

func TestUnwindOtherPanicsPropagate(t *testing.T) {
	u := &UnwindContext{}
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected the non-unwind panic to propagate")
		}
	}()
	u.Run(func() { panic("not an unwind") })
}

func TestUnwindReentrant(t *testing.T) {
	u := &UnwindContext{}
	count := 0
	for i := 0; i < 3; i++ {
		aborted := u.Run(func() {
			count++
			if count < 3 {
				u.Abort()
			}
		})
		if count < 3 && !aborted {
			t.Fatalf("iteration %d: expected abort", i)
		}
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}
