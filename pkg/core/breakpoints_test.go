package core

import "testing"

// coreWithSlots builds a Core whose breakpoint-unit bookkeeping is
// already known, so findHWBreakpointUnit and the slot bookkeeping can be
// exercised without needing a live memory.Interface.
func coreWithSlots(n int) *Core {
	return &Core{kind: KindM3M4M7, bpUnitsKnown: true, bpUnits: n, bpSlots: make([]*uint32, n)}
}

func TestFindHWBreakpointUnitEmpty(t *testing.T) {
	c := coreWithSlots(4)
	if got := c.findHWBreakpointUnit(0x1000); got != -1 {
		t.Fatalf("findHWBreakpointUnit on empty slots = %d, want -1", got)
	}
}

func TestFindHWBreakpointUnitMatches(t *testing.T) {
	c := coreWithSlots(4)
	addr := uint32(0x0800_0100)
	c.bpSlots[2] = &addr
	if got := c.findHWBreakpointUnit(0x0800_0100); got != 2 {
		t.Fatalf("findHWBreakpointUnit = %d, want 2", got)
	}
	if got := c.findHWBreakpointUnit(0x0800_0200); got != -1 {
		t.Fatalf("findHWBreakpointUnit on unset address = %d, want -1", got)
	}
}

// TestBreakpointSlotPicksFirstFree replays over bpSlots the same
// first-free-unit scan SetHWBreakpoint performs, without calling
// SetHWBreakpoint itself (no live memory.Interface is involved).
func TestBreakpointSlotPicksFirstFree(t *testing.T) {
	c := coreWithSlots(4)
	a, b := uint32(0x1000), uint32(0x2000)
	c.bpSlots[0] = &a
	c.bpSlots[1] = &b

	free := -1
	for i, slot := range c.bpSlots {
		if slot == nil {
			free = i
			break
		}
	}
	if free != 2 {
		t.Fatalf("first free slot = %d, want 2", free)
	}
}
