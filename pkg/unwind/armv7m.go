// Package unwind implements ARMv7-M exception frame unwinding and
// fault status decoding.
package unwind

import (
	"fmt"

	"github.com/daschewie/embedctl/pkg/memory"
	"github.com/daschewie/embedctl/pkg/regfield"
)

const (
	addrHFSR  = 0xE000ED2C
	addrCFSR  = 0xE000ED28
	addrMMFAR = 0xE000ED34
	addrBFAR  = 0xE000ED38
)

// HFSR (HardFault Status Register) bitfields.
var (
	hfsrDebugEvent          = regfield.Bit(31)
	hfsrEscalationForced    = regfield.Bit(30)
	hfsrVectorTableReadFault = regfield.Bit(1)
)

// CFSR sub-register bitfields (MMFSR 0-7, BFSR 8-15, UFSR 16-31).
var (
	mmIAccViol  = regfield.Bit(0)
	mmDAccViol  = regfield.Bit(1)
	mmMUnstkErr = regfield.Bit(3)
	mmMStkErr   = regfield.Bit(4)
	mmLspErr    = regfield.Bit(5)
	mmMMARValid = regfield.Bit(7)

	bfIBusErr   = regfield.Bit(8)
	bfPrecise   = regfield.Bit(9)
	bfImprecise = regfield.Bit(10)
	bfUnstkErr  = regfield.Bit(11)
	bfStkErr    = regfield.Bit(12)
	bfLspErr    = regfield.Bit(13)
	bfBFARValid = regfield.Bit(15)

	ufUndefInstr = regfield.Bit(16)
	ufInvState   = regfield.Bit(17)
	ufInvPC      = regfield.Bit(18)
	ufNoCP       = regfield.Bit(19)
	ufUnaligned  = regfield.Bit(24)
	ufDivByZero  = regfield.Bit(25)
)

// Cfsr is the decoded Configurable Fault Status Register.
type Cfsr uint32

func (c Cfsr) memManageFaultCount() int {
	n := 0
	for _, b := range []regfield.Field{mmIAccViol, mmDAccViol, mmMUnstkErr, mmMStkErr, mmLspErr} {
		if b.Get(uint32(c)) != 0 {
			n++
		}
	}
	return n
}

func (c Cfsr) usageFault() int {
	n := 0
	for _, b := range []regfield.Field{ufUndefInstr, ufInvState, ufInvPC, ufNoCP, ufUnaligned, ufDivByZero} {
		if b.Get(uint32(c)) != 0 {
			n++
		}
	}
	return n
}

func (c Cfsr) bfPreciseDataAccessError() bool { return bfPrecise.Get(uint32(c)) != 0 }
func (c Cfsr) instructionPrefetch() bool      { return bfIBusErr.Get(uint32(c)) != 0 }

// MemoryManagementFaultDescription describes the MMFSR bits, including
// the faulting address when MMARVALID is set.
func (c Cfsr) MemoryManagementFaultDescription(mmfar uint32) string {
	if c.memManageFaultCount() == 0 {
		return ""
	}
	desc := "memory management fault"
	if mmMMARValid.Get(uint32(c)) != 0 {
		desc += fmt.Sprintf(" at address 0x%08X", mmfar)
	}
	return desc
}

// BusFaultDescription describes the BFSR bits, including the faulting
// address when BFARVALID is set.
func (c Cfsr) BusFaultDescription(bfar uint32) string {
	if !(bfIBusErr.Get(uint32(c)) != 0 || bfPrecise.Get(uint32(c)) != 0 || bfImprecise.Get(uint32(c)) != 0 ||
		bfUnstkErr.Get(uint32(c)) != 0 || bfStkErr.Get(uint32(c)) != 0 || bfLspErr.Get(uint32(c)) != 0) {
		return ""
	}
	desc := "bus fault"
	if bfBFARValid.Get(uint32(c)) != 0 {
		desc += fmt.Sprintf(" at address 0x%08X", bfar)
	}
	return desc
}

// UsageFaultDescription describes the UFSR bits.
func (c Cfsr) UsageFaultDescription() string {
	if c.usageFault() == 0 {
		return ""
	}
	return "usage fault"
}

// ExceptionReason identifies the active ARMv7-M exception number.
type ExceptionReason int

const (
	ExceptionThreadMode ExceptionReason = iota
	ExceptionReset
	ExceptionNMI
	ExceptionHardFault
	ExceptionMemManage
	ExceptionBusFault
	ExceptionUsageFault
	ExceptionReserved
	ExceptionSVCall
	ExceptionDebugMonitor
	ExceptionPendSV
	ExceptionSysTick
	ExceptionExternalInterrupt
)

// ExceptionReasonFromNumber maps an IPSR exception number (0-15 are
// fixed, 16+ are external interrupts) to an ExceptionReason.
func ExceptionReasonFromNumber(n uint32) (reason ExceptionReason, interruptNumber int) {
	switch n {
	case 0:
		return ExceptionThreadMode, 0
	case 1:
		return ExceptionReset, 0
	case 2:
		return ExceptionNMI, 0
	case 3:
		return ExceptionHardFault, 0
	case 4:
		return ExceptionMemManage, 0
	case 5:
		return ExceptionBusFault, 0
	case 6:
		return ExceptionUsageFault, 0
	case 7, 8, 9, 10, 13:
		return ExceptionReserved, 0
	case 11:
		return ExceptionSVCall, 0
	case 12:
		return ExceptionDebugMonitor, 0
	case 14:
		return ExceptionPendSV, 0
	case 15:
		return ExceptionSysTick, 0
	default:
		return ExceptionExternalInterrupt, int(n) - 16
	}
}

// ExpandedDescription renders a human-readable line for an exception
// reason, pulling in the CFSR/HFSR decode for fault exceptions.
func ExpandedDescription(reason ExceptionReason, interruptNumber int, cfsr Cfsr, hfsr uint32, mmfar, bfar uint32) string {
	switch reason {
	case ExceptionHardFault:
		desc := "hard fault"
		if hfsrVectorTableReadFault.Get(hfsr) != 0 {
			desc += " (vector table read fault)"
		}
		if hfsrEscalationForced.Get(hfsr) != 0 {
			if d := cfsr.BusFaultDescription(bfar); d != "" {
				desc += ": " + d
			} else if d := cfsr.MemoryManagementFaultDescription(mmfar); d != "" {
				desc += ": " + d
			} else if d := cfsr.UsageFaultDescription(); d != "" {
				desc += ": " + d
			}
		}
		return desc
	case ExceptionMemManage:
		return cfsr.MemoryManagementFaultDescription(mmfar)
	case ExceptionBusFault:
		return cfsr.BusFaultDescription(bfar)
	case ExceptionUsageFault:
		return cfsr.UsageFaultDescription()
	case ExceptionExternalInterrupt:
		return fmt.Sprintf("external interrupt %d", interruptNumber)
	default:
		return fmt.Sprintf("exception %d", reason)
	}
}

// IsPreciseFault reports whether the fault can be attributed to the
// exact instruction that caused it (so the unwinder should NOT
// decrement the reported PC): UsageFault and MemManage are always
// precise; HardFault/BusFault are
// precise only when the fault-specific "precise" bits are set;
// DebugMonitor is treated as precise; every other exception is
// imprecise.
func IsPreciseFault(reason ExceptionReason, cfsr Cfsr) bool {
	switch reason {
	case ExceptionUsageFault, ExceptionMemManage:
		return true
	case ExceptionHardFault, ExceptionBusFault:
		return cfsr.bfPreciseDataAccessError() || cfsr.instructionPrefetch() ||
			cfsr.memManageFaultCount() > 0 || cfsr.usageFault() > 0
	case ExceptionDebugMonitor:
		return true
	default:
		return false
	}
}

// ARMv7-M exception-frame layout pushed onto the stack on exception
// entry, 8 words: R0,R1,R2,R3,R12,LR,ReturnAddress,XPSR. When the
// exception was taken with the floating-point extension active
// (EXC_RETURN bit 4 clear), FPRegisters holds the 18 additional words
// (S0-S15, FPSCR, reserved) stacked immediately above the basic frame.
type ExceptionFrame struct {
	R0, R1, R2, R3, R12     uint32
	LR, ReturnAddress, XPSR uint32
	FPRegisters             []uint32
}

// decodeWords splits raw into little-endian 32-bit words.
func decodeWords(raw []byte) []uint32 {
	words := make([]uint32, len(raw)/4)
	for i := range words {
		o := 4 * i
		words[i] = uint32(raw[o]) | uint32(raw[o+1])<<8 | uint32(raw[o+2])<<16 | uint32(raw[o+3])<<24
	}
	return words
}

// decodeExceptionFrame builds an ExceptionFrame from the 8 basic
// hardware-saved words plus, if present, the 18 extended floating-point
// words, and applies the precise/imprecise PC adjustment. Split out
// from CallingFrameRegisters so the decoding logic is testable without
// a live memory.Interface.
func decodeExceptionFrame(basic []uint32, fp []uint32, precise bool) ExceptionFrame {
	frame := ExceptionFrame{
		R0: basic[0], R1: basic[1], R2: basic[2], R3: basic[3],
		R12: basic[4], LR: basic[5], ReturnAddress: basic[6], XPSR: basic[7],
	}
	// For an imprecise fault the return address points at the next
	// instruction to execute, not the one that faulted; back it up so
	// the reported PC lands inside the faulting instruction.
	if !precise && frame.ReturnAddress >= 1 {
		frame.ReturnAddress -= 1
	}
	if len(fp) > 0 {
		frame.FPRegisters = fp
	}
	return frame
}

// CallingFrameRegisters reads the exception frame from the stack
// pointer captured at fault time (the MSP or PSP, per EXC_RETURN bit 2)
// and returns the caller's PC: the ReturnAddress field verbatim for a
// precise fault, or ReturnAddress-1 for an imprecise one (the faulting
// instruction is unknown, so the best approximation is "somewhere
// before the return address"). When hasFP is true
// (EXC_RETURN bit 4 clear), the 18 extra floating-point words stacked
// above the basic frame are also read and returned in
// ExceptionFrame.FPRegisters.
func CallingFrameRegisters(mem *memory.Interface, stackPointer uint32, precise bool, hasFP bool) (ExceptionFrame, error) {
	raw, err := mem.ReadBlock(stackPointer, 32)
	if err != nil {
		return ExceptionFrame{}, fmt.Errorf("read exception frame: %w", err)
	}
	var fp []uint32
	if hasFP {
		fpRaw, err := mem.ReadBlock(stackPointer+32, 18*4)
		if err != nil {
			return ExceptionFrame{}, fmt.Errorf("read floating-point exception frame: %w", err)
		}
		fp = decodeWords(fpRaw)
	}
	return decodeExceptionFrame(decodeWords(raw), fp, precise), nil
}
