// Package core implements the Cortex-M debug core state machine: halt,
// run, single-step, reset, core register access and hardware breakpoint
// management. M0-class cores have no FPB revision split; M3/M4/M7-class
// cores dispatch on FP_CTRL.REV and carry the full DEMCR vector-catch
// bitfield.
package core

import (
	"context"
	"time"

	"github.com/daschewie/embedctl/pkg/dberr"
	"github.com/daschewie/embedctl/pkg/memory"
	"github.com/daschewie/embedctl/pkg/regfield"
)

// Kind distinguishes the core variants whose debug register layout
// differs enough to need dedicated handling (breakpoint unit encoding,
// available vector-catch bits).
type Kind int

const (
	KindM0 Kind = iota
	KindM3M4M7
)

// HaltReason explains why the core is currently halted.
type HaltReason int

const (
	HaltUnknown HaltReason = iota
	HaltBreakpoint
	HaltException
	HaltWatchpoint
	HaltStep
	HaltRequest
	HaltExternal
	// HaltMultiple reports more than one DFSR reason bit set at once,
	// e.g. a halt request that raced a breakpoint hit.
	HaltMultiple
)

// Status is the core's run/halt state as observed from DHCSR/DFSR.
type Status struct {
	Running  bool
	Sleeping bool
	LockedUp bool
	Halted   HaltReason
}

// DCRSR REGSEL encodings for the registers this package exposes.
const (
	regR0   = 0
	regR1   = 1
	regR2   = 2
	regR3   = 3
	regR9   = 9
	regSP   = 0b01101
	regLR   = 0b01110
	regPC   = 0b01111
	regXPSR = 0b10000
	regMSP  = 0b10001
	regPSP  = 0b10010
)

const pollInterval = time.Millisecond
const regReadyPollLimit = 100

// Core drives one Cortex-M debug core over a memory.Interface. It is not
// safe for concurrent use; a Session owns exactly one Core per core, per
// the single-owner concurrency model.
type Core struct {
	mem  *memory.Interface
	kind Kind

	bpUnitsKnown bool
	bpUnits      int
	bpRev        uint32 // FP_CTRL.REV, only meaningful for KindM3M4M7
	bpSlots      []*uint32

	lastStatus Status
}

// New returns a Core bound to mem. kind selects the breakpoint-unit
// encoding; callers pick it from the target description's core type.
func New(mem *memory.Interface, kind Kind) *Core {
	return &Core{mem: mem, kind: kind}
}

func (c *Core) readDHCSR() (uint32, error) { return c.mem.ReadWord32(addrDHCSR) }

func (c *Core) writeDHCSR(word uint32) error {
	return c.mem.WriteWord32(addrDHCSR, enableDebugWrite(word))
}

// Status reads DHCSR/DFSR and returns the core's current run state.
// Once a core is observed halted, a
// later read that cannot identify a fresh halt reason keeps reporting
// the previously observed reason rather than collapsing to Unknown —
// each halted read clears whatever DFSR sticky bits it finds, so later
// polls of the same halt see none, and a reason of Unknown on a core
// already known to be halted means "still halted for the same reason,"
// not "halt reason lost."
func (c *Core) Status(ctx context.Context) (Status, error) {
	dhcsr, err := c.readDHCSR()
	if err != nil {
		return Status{}, dberr.Wrap(dberr.KindTransport, "core.Status", "read DHCSR", err)
	}

	if dhcsrSLockup.Get(dhcsr) != 0 {
		s := Status{LockedUp: true}
		c.lastStatus = s
		return s, nil
	}

	if dhcsrSHalt.Get(dhcsr) == 0 {
		s := Status{Running: true, Sleeping: dhcsrSSleep.Get(dhcsr) != 0}
		c.lastStatus = s
		return s, nil
	}

	dfsr, err := c.mem.ReadWord32(addrDFSR)
	if err != nil {
		return Status{}, dberr.Wrap(dberr.KindTransport, "core.Status", "read DFSR", err)
	}
	if dfsr != 0 {
		// DFSR bits are write-one-to-clear and sticky; clearing on
		// read is what makes the cached-reason rule below sound.
		if err := c.mem.WriteWord32(addrDFSR, dfsr); err != nil {
			return Status{}, dberr.Wrap(dberr.KindTransport, "core.Status", "clear DFSR", err)
		}
	}

	reason := haltReasonFromDFSR(dfsr)
	if reason == HaltUnknown && !c.lastStatus.Running && c.lastStatus.Halted != HaltUnknown {
		reason = c.lastStatus.Halted
	}

	s := Status{Halted: reason}
	c.lastStatus = s
	return s, nil
}

func haltReasonFromDFSR(dfsr uint32) HaltReason {
	set := 0
	for _, bit := range []regfield.Field{dfsrHalted, dfsrBkpt, dfsrDwtTrap, dfsrVCatch, dfsrExternal} {
		if bit.Get(dfsr) != 0 {
			set++
		}
	}
	if set > 1 {
		return HaltMultiple
	}

	switch {
	case dfsrExternal.Get(dfsr) != 0:
		return HaltExternal
	case dfsrVCatch.Get(dfsr) != 0:
		return HaltException
	case dfsrDwtTrap.Get(dfsr) != 0:
		return HaltWatchpoint
	case dfsrBkpt.Get(dfsr) != 0:
		return HaltBreakpoint
	case dfsrHalted.Get(dfsr) != 0:
		return HaltRequest
	default:
		return HaltUnknown
	}
}

// Halt requests the core halt, waits for DHCSR.S_HALT, and returns the
// program counter the core stopped at.
func (c *Core) Halt(ctx context.Context) (uint32, error) {
	dhcsr, err := c.readDHCSR()
	if err != nil {
		return 0, dberr.Wrap(dberr.KindTransport, "core.Halt", "read DHCSR", err)
	}
	dhcsr = dhcsrCDebugEn.Set(dhcsr, 1)
	dhcsr = dhcsrCHalt.Set(dhcsr, 1)
	if err := c.writeDHCSR(dhcsr); err != nil {
		return 0, dberr.Wrap(dberr.KindTransport, "core.Halt", "write DHCSR", err)
	}
	if err := c.waitForHalt(ctx); err != nil {
		return 0, err
	}
	return c.PC()
}

func (c *Core) waitForHalt(ctx context.Context) error {
	for {
		dhcsr, err := c.readDHCSR()
		if err != nil {
			return dberr.Wrap(dberr.KindTransport, "core.waitForHalt", "read DHCSR", err)
		}
		if dhcsrSHalt.Get(dhcsr) != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return dberr.FromContext("core.waitForHalt", "core did not halt before deadline", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Run clears C_HALT and resumes execution. If the core is currently
// sitting on an installed hardware breakpoint, it first steps over
// that one instruction - otherwise clearing C_HALT would just
// immediately re-trip the same comparator and the core would never
// actually move.
func (c *Core) Run(ctx context.Context) error {
	if pc, err := c.PC(); err == nil && c.findHWBreakpointUnit(pc) >= 0 {
		if err := c.Step(ctx); err != nil {
			return dberr.Wrap(dberr.KindTargetUnresponsive, "core.Run", "step over breakpoint before resuming", err)
		}
	}

	dhcsr, err := c.readDHCSR()
	if err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.Run", "read DHCSR", err)
	}
	dhcsr = dhcsrCHalt.Set(dhcsr, 0)
	dhcsr = dhcsrCMaskInts.Set(dhcsr, 0)
	if err := c.writeDHCSR(dhcsr); err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.Run", "write DHCSR", err)
	}
	// No wait for S_HALT to clear: a core that hits a breakpoint (or a
	// flash algorithm that returns to its trampoline) can legitimately
	// be halted again before the first status poll would even land.
	c.lastStatus = Status{Running: true}
	return nil
}

// Step executes exactly one instruction. Interrupts are masked for the
// duration so a pending ISR cannot steal the step. If the core is
// currently halted on a hardware breakpoint, that breakpoint unit's
// comparator would otherwise re-trap the very instruction we're
// stepping off of, so breakpoints are disabled for the duration of the
// step and re-enabled immediately after.
func (c *Core) Step(ctx context.Context) error {
	wasBreakpoint := c.lastStatus.Halted == HaltBreakpoint
	if wasBreakpoint {
		if err := c.EnableBreakpoints(false); err != nil {
			return dberr.Wrap(dberr.KindTransport, "core.Step", "disable breakpoints before step", err)
		}
	}

	dhcsr, err := c.readDHCSR()
	if err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.Step", "read DHCSR", err)
	}
	dhcsr = dhcsrCMaskInts.Set(dhcsr, 1)
	dhcsr = dhcsrCStep.Set(dhcsr, 1)
	dhcsr = dhcsrCHalt.Set(dhcsr, 0)
	if err := c.writeDHCSR(dhcsr); err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.Step", "write DHCSR", err)
	}
	if err := c.waitForHalt(ctx); err != nil {
		return err
	}
	dhcsr, err = c.readDHCSR()
	if err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.Step", "read DHCSR", err)
	}
	// The step pulse halts the core without ever setting C_HALT itself;
	// clearing C_STEP without also setting C_HALT here would let the
	// core resume instead of staying halted after its one instruction.
	dhcsr = dhcsrCStep.Set(dhcsr, 0)
	dhcsr = dhcsrCMaskInts.Set(dhcsr, 0)
	dhcsr = dhcsrCHalt.Set(dhcsr, 1)
	if err := c.writeDHCSR(dhcsr); err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.Step", "write DHCSR", err)
	}

	if wasBreakpoint {
		if err := c.EnableBreakpoints(true); err != nil {
			return dberr.Wrap(dberr.KindTransport, "core.Step", "re-enable breakpoints after step", err)
		}
	}

	// Consume the DFSR HALTED bit the step pulse left behind, then
	// record the step itself as the halt reason: a later Status() call
	// reports Halted(Step), not a spurious halt request.
	if _, err := c.Status(ctx); err != nil {
		return err
	}
	c.lastStatus = Status{Halted: HaltStep}
	return nil
}

// Reset pulses AIRCR.SYSRESETREQ. The core is left running unless the
// caller separately arms a reset vector catch and calls ResetAndHalt.
func (c *Core) Reset(ctx context.Context) error {
	var aircr uint32
	aircr = aircrVectKey.Set(aircr, aircrVectKeyValue)
	aircr = aircrSysResetReq.Set(aircr, 1)
	if err := c.mem.WriteWord32(addrAIRCR, aircr); err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.Reset", "write AIRCR", err)
	}
	return c.waitForResetRelease(ctx)
}

// ResetAndHalt arms a core-reset vector catch, resets, waits for the
// catch to fire, forces the Thumb bit, then restores the caller's
// DEMCR so the transient VC_CORERESET never leaks out of the sequence.
func (c *Core) ResetAndHalt(ctx context.Context) error {
	demcr, err := c.mem.ReadWord32(addrDEMCR)
	if err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.ResetAndHalt", "read DEMCR", err)
	}
	savedDemcr := demcr
	demcr = demcrVCCoreReset.Set(demcr, 1)
	if err := c.mem.WriteWord32(addrDEMCR, demcr); err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.ResetAndHalt", "arm vector catch", err)
	}

	if err := c.Reset(ctx); err != nil {
		c.mem.WriteWord32(addrDEMCR, savedDemcr)
		return err
	}

	if err := c.waitForHalt(ctx); err != nil {
		c.mem.WriteWord32(addrDEMCR, savedDemcr)
		return err
	}

	if err := c.SetXPSRThumb(); err != nil {
		c.mem.WriteWord32(addrDEMCR, savedDemcr)
		return dberr.Wrap(dberr.KindTransport, "core.ResetAndHalt", "force XPSR Thumb bit", err)
	}

	return c.mem.WriteWord32(addrDEMCR, savedDemcr)
}

func (c *Core) waitForResetRelease(ctx context.Context) error {
	for {
		dhcsr, err := c.readDHCSR()
		if err != nil {
			return dberr.Wrap(dberr.KindTransport, "core.waitForResetRelease", "read DHCSR", err)
		}
		if dhcsrSResetST.Get(dhcsr) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return dberr.FromContext("core.waitForResetRelease", "reset did not release before deadline", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// ReadCoreRegister reads one core register (GPR, SP, LR, PC, XPSR) via
// DCRSR/DCRDR, polling S_REGRDY up to regReadyPollLimit iterations.
func (c *Core) ReadCoreRegister(regSel uint32) (uint32, error) {
	var dcrsr uint32
	dcrsr = dcrsrRegSel.Set(dcrsr, regSel)
	dcrsr = dcrsrRegWnR.Set(dcrsr, 0)
	if err := c.mem.WriteWord32(addrDCRSR, dcrsr); err != nil {
		return 0, dberr.Wrap(dberr.KindTransport, "core.ReadCoreRegister", "write DCRSR", err)
	}
	if err := c.waitRegReady(); err != nil {
		return 0, err
	}
	return c.mem.ReadWord32(addrDCRDR)
}

// WriteCoreRegister writes one core register via DCRDR then DCRSR.
func (c *Core) WriteCoreRegister(regSel uint32, value uint32) error {
	if err := c.mem.WriteWord32(addrDCRDR, value); err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.WriteCoreRegister", "write DCRDR", err)
	}
	var dcrsr uint32
	dcrsr = dcrsrRegSel.Set(dcrsr, regSel)
	dcrsr = dcrsrRegWnR.Set(dcrsr, 1)
	if err := c.mem.WriteWord32(addrDCRSR, dcrsr); err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.WriteCoreRegister", "write DCRSR", err)
	}
	return c.waitRegReady()
}

func (c *Core) waitRegReady() error {
	for i := 0; i < regReadyPollLimit; i++ {
		dhcsr, err := c.readDHCSR()
		if err != nil {
			return dberr.Wrap(dberr.KindTransport, "core.waitRegReady", "read DHCSR", err)
		}
		if dhcsrSRegRdy.Get(dhcsr) != 0 {
			return nil
		}
	}
	return dberr.New(dberr.KindTargetUnresponsive, "core.waitRegReady", "S_REGRDY never set")
}

// PC/SP/LR/XPSR convenience wrappers over the generic register access.
func (c *Core) PC() (uint32, error)   { return c.ReadCoreRegister(regPC) }
func (c *Core) SetPC(v uint32) error  { return c.WriteCoreRegister(regPC, v) }
func (c *Core) SP() (uint32, error)   { return c.ReadCoreRegister(regSP) }
func (c *Core) SetSP(v uint32) error  { return c.WriteCoreRegister(regSP, v) }
func (c *Core) LR() (uint32, error)   { return c.ReadCoreRegister(regLR) }
func (c *Core) XPSR() (uint32, error) { return c.ReadCoreRegister(regXPSR) }

// SetXPSRThumb forces the Thumb bit (bit 24) set in XPSR. Cortex-M
// has no ARM instruction set, so a cleared T-bit is always a bug.
func (c *Core) SetXPSRThumb() error {
	xpsr, err := c.XPSR()
	if err != nil {
		return err
	}
	if xpsr&(1<<24) != 0 {
		return nil
	}
	return c.WriteCoreRegister(regXPSR, xpsr|(1<<24))
}

func (c *Core) String() string {
	switch c.kind {
	case KindM0:
		return "Cortex-M0"
	default:
		return "Cortex-M3/M4/M7"
	}
}
