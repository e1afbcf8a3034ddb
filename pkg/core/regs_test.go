package core

import "testing"

// TestFpRev0BreakpointConfiguration checks the rev-0 comparator
// encoding against an independently computed FP_COMP value.
func TestFpRev0BreakpointConfiguration(t *testing.T) {
	got := fpRev0BreakpointConfiguration(0x080009A4)
	want := uint32(0x480009A5)
	if got != want {
		t.Fatalf("fpRev0BreakpointConfiguration(0x080009A4) = 0x%08X, want 0x%08X", got, want)
	}
}

func TestFpCtrlNumCodeSplit(t *testing.T) {
	var word uint32
	word = fpCtrlNumCode1.Set(word, 0b011)
	word = fpCtrlNumCode0.Set(word, 0b1000)
	if got := fpCtrlNumCode(word); got != 0x38 {
		t.Fatalf("fpCtrlNumCode = %d, want %d", got, 0x38)
	}
}

func TestHaltReasonFromDFSRRegs(t *testing.T) {
	cases := []struct {
		dfsr uint32
		want HaltReason
	}{
		{1, HaltRequest},
		{1 << 1, HaltBreakpoint},
		{1 << 2, HaltWatchpoint},
		{1 << 3, HaltException},
		{1 << 4, HaltExternal},
		{0, HaltUnknown},
	}
	for _, c := range cases {
		if got := haltReasonFromDFSR(c.dfsr); got != c.want {
			t.Errorf("haltReasonFromDFSR(0x%x) = %v, want %v", c.dfsr, got, c.want)
		}
	}
}
