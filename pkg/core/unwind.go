package core

import (
	"github.com/daschewie/embedctl/pkg/dberr"
	"github.com/daschewie/embedctl/pkg/unwind"
)

// excReturnSPSel is EXC_RETURN bit 2: 0 selects MSP, 1 selects PSP as
// the stack that was active when the exception was taken.
const excReturnSPSel = 1 << 2

// excReturnFPNotActive is EXC_RETURN bit 4: 1 means no floating-point
// state was stacked, 0 means the extended (FP) frame is present.
const excReturnFPNotActive = 1 << 4

// UnwindResult is the outcome of UnwindException: either there is
// nothing further to unwind (the core is in thread mode or mid reset),
// or a human-readable fault description plus the reconstructed calling
// frame.
type UnwindResult struct {
	NoFurtherUnwind bool
	Description     string
	Frame           unwind.ExceptionFrame
}

// UnwindException reconstructs the calling frame across an exception
// boundary: IPSR (the low 9 bits of XPSR) identifies
// the active exception; thread mode or Reset means there is nothing to
// unwind. Otherwise HFSR/CFSR/MMFAR/BFAR classify the fault as precise
// or imprecise and build a description, EXC_RETURN (read via LR) bit 2
// selects MSP vs PSP as the stack that was active when the exception
// was taken, and the hardware-saved frame (extended with the
// floating-point words when EXC_RETURN bit 4 indicates FP was active)
// is popped from it.
func (c *Core) UnwindException() (UnwindResult, error) {
	xpsr, err := c.XPSR()
	if err != nil {
		return UnwindResult{}, dberr.Wrap(dberr.KindTransport, "core.UnwindException", "read XPSR", err)
	}
	ipsr := xpsr & 0x1FF
	reason, interruptNumber := unwind.ExceptionReasonFromNumber(ipsr)
	if reason == unwind.ExceptionThreadMode || reason == unwind.ExceptionReset {
		return UnwindResult{NoFurtherUnwind: true}, nil
	}

	hfsr, err := c.mem.ReadWord32(addrHFSR)
	if err != nil {
		return UnwindResult{}, dberr.Wrap(dberr.KindTransport, "core.UnwindException", "read HFSR", err)
	}
	cfsrRaw, err := c.mem.ReadWord32(addrCFSR)
	if err != nil {
		return UnwindResult{}, dberr.Wrap(dberr.KindTransport, "core.UnwindException", "read CFSR", err)
	}
	mmfar, err := c.mem.ReadWord32(addrMMFAR)
	if err != nil {
		return UnwindResult{}, dberr.Wrap(dberr.KindTransport, "core.UnwindException", "read MMFAR", err)
	}
	bfar, err := c.mem.ReadWord32(addrBFAR)
	if err != nil {
		return UnwindResult{}, dberr.Wrap(dberr.KindTransport, "core.UnwindException", "read BFAR", err)
	}

	cfsr := unwind.Cfsr(cfsrRaw)
	description := unwind.ExpandedDescription(reason, interruptNumber, cfsr, hfsr, mmfar, bfar)
	precise := unwind.IsPreciseFault(reason, cfsr)

	excReturn, err := c.LR()
	if err != nil {
		return UnwindResult{}, dberr.Wrap(dberr.KindTransport, "core.UnwindException", "read LR (EXC_RETURN)", err)
	}
	spSel := regMSP
	if excReturn&excReturnSPSel != 0 {
		spSel = regPSP
	}
	sp, err := c.ReadCoreRegister(uint32(spSel))
	if err != nil {
		return UnwindResult{}, dberr.Wrap(dberr.KindTransport, "core.UnwindException", "read exception stack pointer", err)
	}
	hasFP := excReturn&excReturnFPNotActive == 0

	frame, err := unwind.CallingFrameRegisters(c.mem, sp, precise, hasFP)
	if err != nil {
		return UnwindResult{}, dberr.Wrap(dberr.KindTransport, "core.UnwindException", "read exception frame", err)
	}

	return UnwindResult{Description: description, Frame: frame}, nil
}
