package core

import (
	"fmt"

	"github.com/daschewie/embedctl/pkg/dberr"
)

// AvailableBreakpointUnits reads FP_CTRL and returns the number of
// hardware breakpoint comparators the FPB implements. For an M0 core
// NUM_CODE is a single 4-bit field; for M3/M4/M7 it is split across
// NUM_CODE[0] and NUM_CODE[1] and must be concatenated.
func (c *Core) AvailableBreakpointUnits() (int, error) {
	if c.bpUnitsKnown {
		return c.bpUnits, nil
	}

	word, err := c.mem.ReadWord32(addrFPCTRL)
	if err != nil {
		return 0, dberr.Wrap(dberr.KindTransport, "core.AvailableBreakpointUnits", "read FP_CTRL", err)
	}

	var units int
	if c.kind == KindM0 {
		units = int(fpCtrlNumCode0.Get(word))
	} else {
		units = fpCtrlNumCode(word)
		c.bpRev = fpCtrlRev.Get(word)
		if c.bpRev != 0 && c.bpRev != 1 {
			return 0, dberr.New(dberr.KindInvariant, "core.AvailableBreakpointUnits", fmt.Sprintf("unsupported FPB revision %d", c.bpRev))
		}
	}

	c.bpUnits = units
	c.bpUnitsKnown = true
	c.bpSlots = make([]*uint32, units)
	return units, nil
}

// EnableBreakpoints sets FP_CTRL.ENABLE (and KEY, required on every
// write per the architecture) without touching comparator state.
func (c *Core) EnableBreakpoints(enable bool) error {
	var word uint32
	word = fpCtrlKey.Set(word, 1)
	if enable {
		word = fpCtrlEnable.Set(word, 1)
	}
	if err := c.mem.WriteWord32(addrFPCTRL, word); err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.EnableBreakpoints", "write FP_CTRL", err)
	}
	return nil
}

// SetHardwareBreakpoint programs comparator unit with a breakpoint at
// address, returning dberr.KindInvariant if unit is out of range or
// already occupied by a different address.
func (c *Core) SetHardwareBreakpoint(unit int, address uint32) error {
	if _, err := c.AvailableBreakpointUnits(); err != nil {
		return err
	}
	if unit < 0 || unit >= len(c.bpSlots) {
		return dberr.New(dberr.KindInvariant, "core.SetHardwareBreakpoint", fmt.Sprintf("unit %d out of range (have %d)", unit, len(c.bpSlots)))
	}
	if c.bpSlots[unit] != nil && *c.bpSlots[unit] != address {
		return dberr.New(dberr.KindInvariant, "core.SetHardwareBreakpoint", fmt.Sprintf("unit %d already set to a different address", unit))
	}

	var value uint32
	switch c.kind {
	case KindM0:
		value = fpRev0BreakpointConfiguration(address)
	default:
		if c.bpRev == 0 {
			value = fpRev0BreakpointConfiguration(address)
		} else {
			value = fpRev1BreakpointConfiguration(address)
		}
	}

	compAddr := uint32(addrFPCOMP0 + unit*4)
	if err := c.mem.WriteWord32(compAddr, value); err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.SetHardwareBreakpoint", "write FP_COMP", err)
	}
	addrCopy := address
	c.bpSlots[unit] = &addrCopy
	return nil
}

// ClearHardwareBreakpoint disables comparator unit. Clearing an
// already-clear unit is a no-op.
func (c *Core) ClearHardwareBreakpoint(unit int) error {
	if _, err := c.AvailableBreakpointUnits(); err != nil {
		return err
	}
	if unit < 0 || unit >= len(c.bpSlots) {
		return dberr.New(dberr.KindInvariant, "core.ClearHardwareBreakpoint", fmt.Sprintf("unit %d out of range (have %d)", unit, len(c.bpSlots)))
	}
	compAddr := uint32(addrFPCOMP0 + unit*4)
	if err := c.mem.WriteWord32(compAddr, 0); err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.ClearHardwareBreakpoint", "write FP_COMP", err)
	}
	c.bpSlots[unit] = nil
	return nil
}

// findHWBreakpointUnit returns the index of the slot holding address,
// or -1 if no installed breakpoint matches it.
func (c *Core) findHWBreakpointUnit(address uint32) int {
	for i, slot := range c.bpSlots {
		if slot != nil && *slot == address {
			return i
		}
	}
	return -1
}

// SetHWBreakpoint installs a hardware breakpoint at address, choosing
// the first free comparator unit. Idempotent: calling it again with an
// address that is already installed consumes no additional unit - no
// two slots ever hold the same address.
func (c *Core) SetHWBreakpoint(address uint32) error {
	if _, err := c.AvailableBreakpointUnits(); err != nil {
		return err
	}
	if c.findHWBreakpointUnit(address) >= 0 {
		return nil
	}
	for unit, slot := range c.bpSlots {
		if slot == nil {
			return c.SetHardwareBreakpoint(unit, address)
		}
	}
	return dberr.New(dberr.KindInvariant, "core.SetHWBreakpoint", fmt.Sprintf("no free hardware breakpoint unit (have %d)", len(c.bpSlots)))
}

// ClearHWBreakpoint removes the hardware breakpoint at address, or
// reports dberr.KindInvariant if none is installed there.
func (c *Core) ClearHWBreakpoint(address uint32) error {
	if _, err := c.AvailableBreakpointUnits(); err != nil {
		return err
	}
	unit := c.findHWBreakpointUnit(address)
	if unit < 0 {
		return dberr.New(dberr.KindInvariant, "core.ClearHWBreakpoint", fmt.Sprintf("no hardware breakpoint installed at 0x%08X", address))
	}
	return c.ClearHardwareBreakpoint(unit)
}

// ClearAllHWBreakpoints removes every hardware breakpoint this Core has
// installed, for a caller that wants a clean slate.
func (c *Core) ClearAllHWBreakpoints() error {
	if _, err := c.AvailableBreakpointUnits(); err != nil {
		return err
	}
	for unit, slot := range c.bpSlots {
		if slot != nil {
			if err := c.ClearHardwareBreakpoint(unit); err != nil {
				return err
			}
		}
	}
	return nil
}
