package core

import "github.com/daschewie/embedctl/pkg/regfield"

// Memory-mapped Cortex-M debug register addresses, common across M0/M3/M4/M7.
const (
	addrDHCSR    = 0xE000EDF0
	addrDCRSR    = 0xE000EDF4
	addrDCRDR    = 0xE000EDF8
	addrDEMCR    = 0xE000EDFC
	addrAIRCR    = 0xE000ED0C
	addrDFSR     = 0xE000ED30
	addrFPCTRL   = 0xE0002000
	addrFPCOMP0  = 0xE0002008
	addrHFSR     = 0xE000ED2C
	addrCFSR     = 0xE000ED28
	addrMMFAR    = 0xE000ED34
	addrBFAR     = 0xE000ED38
)

// DHCSR (Debug Halting Control and Status Register) bitfields.
var (
	dhcsrCDebugEn   = regfield.Bit(0)
	dhcsrCHalt      = regfield.Bit(1)
	dhcsrCStep      = regfield.Bit(2)
	dhcsrCMaskInts  = regfield.Bit(3)
	dhcsrCSnapStall = regfield.Bit(5) // M3/M4/M7 only
	dhcsrSRegRdy    = regfield.Bit(16)
	dhcsrSHalt      = regfield.Bit(17)
	dhcsrSSleep     = regfield.Bit(18)
	dhcsrSLockup    = regfield.Bit(19)
	dhcsrSRetireST  = regfield.Bit(24)
	dhcsrSResetST   = regfield.Bit(25)
)

const dhcsrDebugKey = 0xA05F << 16

// enableDebugWrite sets the DBGKEY field so a DHCSR write takes effect.
func enableDebugWrite(word uint32) uint32 {
	return (word &^ (0xFFFF << 16)) | dhcsrDebugKey
}

// DCRSR (Debug Core Register Selector Register) bitfields.
var (
	dcrsrRegSel = regfield.Field{Lo: 0, Hi: 6}
	dcrsrRegWnR = regfield.Bit(16)
)

// AIRCR (Application Interrupt and Reset Control Register) bitfields.
var (
	aircrSysResetReq = regfield.Bit(2)
	aircrVectKey     = regfield.Field{Lo: 16, Hi: 31}
)

const aircrVectKeyValue = 0x05FA

// DEMCR (Debug Exception and Monitor Control Register) bitfields.
var (
	demcrVCCoreReset = regfield.Bit(0)
	demcrVCMMErr     = regfield.Bit(4) // M3/M4/M7 only
	demcrVCNoCPErr   = regfield.Bit(5)
	demcrVCChkErr    = regfield.Bit(6)
	demcrVCStatErr   = regfield.Bit(7)
	demcrVCBusErr    = regfield.Bit(8)
	demcrVCIntErr    = regfield.Bit(9)
	demcrVCHardErr   = regfield.Bit(10)
	demcrMonEn       = regfield.Bit(16)
	demcrMonPend     = regfield.Bit(17)
	demcrMonStep     = regfield.Bit(18)
	demcrMonReq      = regfield.Bit(19)
	demcrTrcEna      = regfield.Bit(24)
)

// DFSR (Debug Fault Status Register) bitfields.
var (
	dfsrHalted  = regfield.Bit(0)
	dfsrBkpt    = regfield.Bit(1)
	dfsrDwtTrap = regfield.Bit(2)
	dfsrVCatch  = regfield.Bit(3)
	dfsrExternal = regfield.Bit(4)
)

// FP_CTRL (Flash Patch Breakpoint control) bitfields. NUM_CODE is
// split across two ranges that must be concatenated.
var (
	fpCtrlEnable   = regfield.Bit(0)
	fpCtrlKey      = regfield.Bit(1)
	fpCtrlNumCode0 = regfield.Field{Lo: 4, Hi: 7}
	fpCtrlNumLit   = regfield.Field{Lo: 8, Hi: 11}
	fpCtrlNumCode1 = regfield.Field{Lo: 12, Hi: 14}
	fpCtrlRev      = regfield.Field{Lo: 28, Hi: 31}
)

func fpCtrlNumCode(word uint32) int {
	lo := fpCtrlNumCode0.Get(word)
	hi := fpCtrlNumCode1.Get(word)
	return int((hi << 4) | lo)
}

// FP_COMP_x (revision 0) bitfields.
var (
	fpRev0CompEnable  = regfield.Bit(0)
	fpRev0CompReplace = regfield.Field{Lo: 30, Hi: 31}
	fpRev0CompValue   = regfield.Field{Lo: 2, Hi: 28}
)

// fpRev0BreakpointConfiguration builds a rev-0 FP_COMP_x value for a
// hardware breakpoint at address: bit 1 of the address selects whether
// the comparator matches the lower or upper halfword of the word.
func fpRev0BreakpointConfiguration(address uint32) uint32 {
	comp := (address & 0x1ffffffc) >> 2
	var replace uint32
	if address&0x3 == 0 {
		replace = 0b01
	} else {
		replace = 0b10
	}
	var word uint32
	word = fpRev0CompValue.Set(word, comp)
	word = fpRev0CompReplace.Set(word, replace)
	word = fpRev0CompEnable.Set(word, 1)
	return word
}

// FP_COMP_x (revision 1) bitfields: a flat halfword-granularity address.
var (
	fpRev1CompEnable = regfield.Bit(0)
	fpRev1CompBPAddr = regfield.Field{Lo: 1, Hi: 31}
)

func fpRev1BreakpointConfiguration(address uint32) uint32 {
	var word uint32
	word = fpRev1CompBPAddr.Set(word, address>>1)
	word = fpRev1CompEnable.Set(word, 1)
	return word
}

// HFSR (HardFault Status Register) bitfields.
var (
	hfsrVectTblRead  = regfield.Bit(1)
	hfsrForced       = regfield.Bit(30)
	hfsrDebugEvt     = regfield.Bit(31)
)

// CFSR (Configurable Fault Status Register) sub-register bitfields:
// MMFSR in bits 0-7, BFSR in bits 8-15, UFSR in bits 16-31.
var (
	cfsrMemManageIAccViol  = regfield.Bit(0)
	cfsrMemManageDAccViol  = regfield.Bit(1)
	cfsrMemManageMUnstkErr = regfield.Bit(3)
	cfsrMemManageMStkErr   = regfield.Bit(4)
	cfsrMemManageMLspErr   = regfield.Bit(5)
	cfsrMemManageMMARValid = regfield.Bit(7)

	cfsrBusIBusErr      = regfield.Bit(8)
	cfsrBusPrecise      = regfield.Bit(9)
	cfsrBusImprecise    = regfield.Bit(10)
	cfsrBusUnstkErr     = regfield.Bit(11)
	cfsrBusStkErr       = regfield.Bit(12)
	cfsrBusLspErr       = regfield.Bit(13)
	cfsrBusBFARValid    = regfield.Bit(15)

	cfsrUsageUndefInstr = regfield.Bit(16)
	cfsrUsageInvState   = regfield.Bit(17)
	cfsrUsageInvPC      = regfield.Bit(18)
	cfsrUsageNoCP       = regfield.Bit(19)
	cfsrUsageUnaligned  = regfield.Bit(24)
	cfsrUsageDivByZero  = regfield.Bit(25)
)
