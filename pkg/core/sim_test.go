package core

import (
	"context"
	"testing"

	"github.com/daschewie/embedctl/pkg/dap"
	"github.com/daschewie/embedctl/pkg/dberr"
	"github.com/daschewie/embedctl/pkg/memory"
	"github.com/daschewie/embedctl/pkg/simprobe"
)

// simCore builds a Core driving a simulated target through the real
// dap/memory stack.
func simCore(t *testing.T, sim *simprobe.Target, kind Kind) *Core {
	t.Helper()
	port, err := dap.Open(sim, "sim")
	if err != nil {
		t.Fatalf("open simulated probe: %v", err)
	}
	return New(memory.New(port), kind)
}

func TestHaltReturnsPCAndReasonSticks(t *testing.T) {
	sim := simprobe.New()
	sim.Regs[simprobe.RegPC] = 0x08000100
	c := simCore(t, sim, KindM3M4M7)
	ctx := context.Background()

	pc, err := c.Halt(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pc != 0x08000100 {
		t.Fatalf("Halt returned PC 0x%08X, want 0x08000100", pc)
	}

	status, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Halted != HaltRequest {
		t.Fatalf("first Status after halt = %v, want HaltRequest", status.Halted)
	}

	// The first Status read cleared DFSR; the cached reason must carry.
	status, err = c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Halted != HaltRequest {
		t.Fatalf("second Status after halt = %v, want sticky HaltRequest", status.Halted)
	}
}

func TestHaltReasonFromDFSR(t *testing.T) {
	cases := []struct {
		dfsr uint32
		want HaltReason
	}{
		{0, HaltUnknown},
		{1 << 0, HaltRequest},
		{1 << 1, HaltBreakpoint},
		{1 << 2, HaltWatchpoint},
		{1 << 3, HaltException},
		{1 << 4, HaltExternal},
		{1<<0 | 1<<1, HaltMultiple}, // halt request raced a breakpoint
		{1<<2 | 1<<3, HaltMultiple},
	}
	for _, c := range cases {
		if got := haltReasonFromDFSR(c.dfsr); got != c.want {
			t.Errorf("haltReasonFromDFSR(0x%X) = %v, want %v", c.dfsr, got, c.want)
		}
	}
}

func TestStepAdvancesPCAndReportsStep(t *testing.T) {
	sim := simprobe.New()
	sim.Halted = true
	sim.Regs[simprobe.RegPC] = 0x08000100
	c := simCore(t, sim, KindM3M4M7)
	ctx := context.Background()

	if err := c.Step(ctx); err != nil {
		t.Fatal(err)
	}

	pc, err := c.PC()
	if err != nil {
		t.Fatal(err)
	}
	if pc != 0x08000102 {
		t.Fatalf("PC after step = 0x%08X, want 0x08000102", pc)
	}

	status, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Halted != HaltStep {
		t.Fatalf("Status after step = %v, want HaltStep", status.Halted)
	}
}

func TestResetAndHaltPreservesDEMCR(t *testing.T) {
	sim := simprobe.New()
	sim.DEMCR = 0x01000000 // TRCENA only
	sim.ResetPC = 0x08000004
	c := simCore(t, sim, KindM3M4M7)

	if err := c.ResetAndHalt(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !sim.Halted {
		t.Fatal("core should be halted after reset-and-halt")
	}
	if sim.DEMCR != 0x01000000 {
		t.Fatalf("DEMCR after reset-and-halt = 0x%08X, want the prior 0x01000000", sim.DEMCR)
	}
	if sim.Regs[simprobe.RegXPSR]&(1<<24) == 0 {
		t.Fatal("XPSR Thumb bit should be forced set after reset-and-halt")
	}
	pc, err := c.PC()
	if err != nil {
		t.Fatal(err)
	}
	if pc != 0x08000004 {
		t.Fatalf("PC after reset = 0x%08X, want the reset vector 0x08000004", pc)
	}
}

func TestHWBreakpointIdempotence(t *testing.T) {
	sim := simprobe.New()
	sim.Halted = true
	c := simCore(t, sim, KindM3M4M7)

	units, err := c.AvailableBreakpointUnits()
	if err != nil {
		t.Fatal(err)
	}
	if units != 4 {
		t.Fatalf("AvailableBreakpointUnits = %d, want 4", units)
	}

	if err := c.SetHWBreakpoint(0x08000100); err != nil {
		t.Fatal(err)
	}
	if err := c.SetHWBreakpoint(0x08000100); err != nil {
		t.Fatal(err)
	}
	if got := sim.InstalledBreakpoints(); got != 1 {
		t.Fatalf("installing the same address twice consumed %d units, want 1", got)
	}
	if sim.FPComp[0] != 0x08000101 {
		t.Fatalf("rev-1 comparator value = 0x%08X, want 0x08000101", sim.FPComp[0])
	}

	if err := c.SetHWBreakpoint(0x08000200); err != nil {
		t.Fatal(err)
	}
	if got := sim.InstalledBreakpoints(); got != 2 {
		t.Fatalf("expected a second unit consumed, have %d", got)
	}

	if err := c.ClearHWBreakpoint(0x08000100); err != nil {
		t.Fatal(err)
	}
	if got := sim.InstalledBreakpoints(); got != 1 {
		t.Fatalf("clear should return the unit count to 1, have %d", got)
	}

	if err := c.ClearHWBreakpoint(0x08000100); err == nil {
		t.Fatal("clearing an address with no breakpoint installed should error")
	}
}

func TestRunStepsOverBreakpointAtPC(t *testing.T) {
	sim := simprobe.New()
	sim.Halted = true
	sim.Regs[simprobe.RegPC] = 0x08000100
	c := simCore(t, sim, KindM3M4M7)
	ctx := context.Background()

	if err := c.SetHWBreakpoint(0x08000100); err != nil {
		t.Fatal(err)
	}
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if sim.Halted {
		t.Fatal("core should be running after Run")
	}
	if sim.Regs[simprobe.RegPC] != 0x08000102 {
		t.Fatalf("Run should have stepped over the breakpointed instruction, PC = 0x%08X", sim.Regs[simprobe.RegPC])
	}
}

func TestVectorCatchOnM0(t *testing.T) {
	sim := simprobe.New()
	c := simCore(t, sim, KindM0)

	err := c.EnableVectorCatch(CatchBusFault, true)
	if !dberr.Is(err, dberr.KindNotImplemented) {
		t.Fatalf("bus fault catch on M0 = %v, want KindNotImplemented", err)
	}

	if err := c.EnableVectorCatch(CatchCoreReset, true); err != nil {
		t.Fatal(err)
	}
	if sim.DEMCR&1 == 0 {
		t.Fatal("VC_CORERESET should be set in DEMCR")
	}
	if err := c.EnableVectorCatch(CatchCoreReset, false); err != nil {
		t.Fatal(err)
	}
	if sim.DEMCR&1 != 0 {
		t.Fatal("VC_CORERESET should be cleared again")
	}
}
