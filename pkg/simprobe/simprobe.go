// Package simprobe implements probe.Transport against an in-memory
// model of a Cortex-M target: a sparse memory map plus the debug
// registers (DHCSR, DFSR, DEMCR, AIRCR, DCRSR/DCRDR, FP_CTRL/FP_COMP)
// with their halt/step/reset side effects. It plays the same role for
// probe-link tests that afero's in-memory filesystem plays for the
// target registry's tests: the full dap/memory/core/flasher stack runs
// against it unmodified, no hardware attached.
package simprobe

import (
	"encoding/binary"
	"fmt"
)

// Debug register addresses, shared with pkg/core's declarations.
const (
	addrDHCSR  = 0xE000EDF0
	addrDCRSR  = 0xE000EDF4
	addrDCRDR  = 0xE000EDF8
	addrDEMCR  = 0xE000EDFC
	addrAIRCR  = 0xE000ED0C
	addrDFSR   = 0xE000ED30
	addrFPCTRL = 0xE0002000
	addrFPCOMP = 0xE0002008
	addrHFSR   = 0xE000ED2C
	addrCFSR   = 0xE000ED28
	addrMMFAR  = 0xE000ED34
	addrBFAR   = 0xE000ED38
)

// Request opcodes, the probe side of pkg/dap's command table.
const (
	cmdReadDP      = 0x00
	cmdWriteDP     = 0x01
	cmdReadAP      = 0x02
	cmdWriteAP     = 0x03
	cmdReadBlock   = 0x10
	cmdWriteBlock  = 0x11
	cmdSWJSequence = 0x20
	cmdLineReset   = 0x21
)

const (
	requestSyncByte  = 0x55
	responseSyncByte = 0xAA
)

// Register file indices, matching the DCRSR REGSEL encoding: R0-R12,
// SP=13, LR=14, PC=15, XPSR=16, MSP=17, PSP=18.
const (
	RegSP   = 13
	RegLR   = 14
	RegPC   = 15
	RegXPSR = 16
	RegMSP  = 17
	RegPSP  = 18
)

// Target is one simulated Cortex-M core plus its memory. New returns a
// running core with four rev-1 breakpoint comparators; set the exported
// fields before Open to shape the scenario under test.
type Target struct {
	Mem  map[uint32]byte
	Regs [19]uint32

	Halted bool
	DFSR   uint32
	DEMCR  uint32

	// ResetPC is what PC is set to by a SYSRESETREQ. Reset also clears
	// XPSR entirely, so the Thumb bit starts out unset the way a core
	// whose reset vector has not executed yet reports it.
	ResetPC uint32

	// Breakpoint unit configuration reported through FP_CTRL.
	FPUnits int
	FPRev   uint32
	FPComp  [8]uint32
	FPEnabled bool

	// OnRun is invoked whenever a DHCSR write resumes the core (C_HALT
	// and C_STEP both clear). The hook models the firmware: it can read
	// the seeded Regs, mutate Mem, and set Halted/DFSR to simulate the
	// core trapping. A nil hook leaves the core running.
	OnRun func(t *Target)

	// OnStep is invoked for a single-step pulse. A nil hook advances PC
	// by one 2-byte Thumb instruction and halts.
	OnStep func(t *Target)

	// FailNextTransfers makes the next N transactions report a probe
	// status fault, for exercising the protocol-retry path.
	FailNextTransfers int

	dcrdr uint32
	open  bool
	out   []byte
}

// New returns a Target with a default breakpoint unit configuration
// and an empty memory map.
func New() *Target {
	return &Target{
		Mem:     make(map[uint32]byte),
		FPUnits: 4,
		FPRev:   1,
	}
}

// LoadBytes copies data into the simulated memory at address.
func (t *Target) LoadBytes(address uint32, data []byte) {
	for i, b := range data {
		t.Mem[address+uint32(i)] = b
	}
}

// ReadBytes copies length bytes out of the simulated memory.
func (t *Target) ReadBytes(address uint32, length int) []byte {
	out := make([]byte, length)
	for i := range out {
		out[i] = t.Mem[address+uint32(i)]
	}
	return out
}

// Open implements probe.Transport.
func (t *Target) Open(addr string) error {
	if t.Mem == nil {
		t.Mem = make(map[uint32]byte)
	}
	t.open = true
	return nil
}

// Close implements probe.Transport.
func (t *Target) Close() error {
	t.open = false
	return nil
}

// IsOpen implements probe.Transport.
func (t *Target) IsOpen() bool { return t.open }

// Read implements probe.Transport, draining the queued response bytes.
func (t *Target) Read(n int) ([]byte, error) {
	if n > len(t.out) {
		return nil, fmt.Errorf("simprobe: short read: want %d bytes, have %d", n, len(t.out))
	}
	buf := t.out[:n]
	t.out = t.out[n:]
	return buf, nil
}

// Write implements probe.Transport, parsing one request frame and
// queueing its response.
func (t *Target) Write(data []byte) (int, error) {
	if len(data) < 9 || data[0] != requestSyncByte {
		return 0, fmt.Errorf("simprobe: malformed request frame")
	}
	command := data[1]
	address := binary.BigEndian.Uint32(data[2:6])
	length := binary.BigEndian.Uint16(data[6:8])

	if t.FailNextTransfers > 0 {
		t.FailNextTransfers--
		t.respond(1, nil)
		return len(data), nil
	}

	switch command {
	case cmdReadBlock:
		t.respond(0, t.readMem(address, int(length)))
	case cmdWriteBlock:
		payload := data[8 : 8+int(length)]
		t.writeMem(address, payload)
		t.respond(0, nil)
	case cmdReadDP, cmdReadAP:
		t.respond(0, make([]byte, 4))
	case cmdSWJSequence:
		t.respond(0, []byte{0xFF}) // all pins read back high
	case cmdWriteDP, cmdWriteAP, cmdLineReset:
		t.respond(0, nil)
	default:
		t.respond(1, nil)
	}
	return len(data), nil
}

func (t *Target) respond(status byte, payload []byte) {
	frame := []byte{responseSyncByte, status, 0}
	frame = append(frame, payload...)
	lrc := status ^ 0
	for _, b := range payload {
		lrc ^= b
	}
	frame = append(frame, lrc)
	t.out = append(t.out, frame...)
}

func (t *Target) readMem(address uint32, length int) []byte {
	out := make([]byte, length)
	for off := 0; off < length; off += 4 {
		word := t.readWord(address + uint32(off))
		n := length - off
		if n > 4 {
			n = 4
		}
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], word)
		copy(out[off:off+n], tmp[:n])
	}
	return out
}

func (t *Target) writeMem(address uint32, data []byte) {
	for off := 0; off+4 <= len(data); off += 4 {
		t.writeWord(address+uint32(off), binary.LittleEndian.Uint32(data[off:off+4]))
	}
}

func (t *Target) readWord(address uint32) uint32 {
	switch address {
	case addrDHCSR:
		var v uint32
		v |= 1 << 16 // S_REGRDY
		if t.Halted {
			v |= 1 << 17 // S_HALT
		}
		return v
	case addrDFSR:
		return t.DFSR
	case addrDEMCR:
		return t.DEMCR
	case addrDCRDR:
		return t.dcrdr
	case addrFPCTRL:
		numCode := uint32(t.FPUnits)
		v := (numCode & 0xF) << 4
		v |= (numCode >> 4 & 0x7) << 12
		v |= t.FPRev << 28
		if t.FPEnabled {
			v |= 1
		}
		return v
	}
	if address >= addrFPCOMP && address < addrFPCOMP+uint32(len(t.FPComp))*4 {
		return t.FPComp[(address-addrFPCOMP)/4]
	}
	var b [4]byte
	for i := range b {
		b[i] = t.Mem[address+uint32(i)]
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (t *Target) writeWord(address uint32, value uint32) {
	switch address {
	case addrDHCSR:
		if value>>16 != 0xA05F {
			return // missing DBGKEY, write ignored
		}
		switch {
		case value&(1<<1) != 0: // C_HALT
			if !t.Halted {
				t.Halted = true
				t.DFSR |= 1 // HALTED
			}
		case value&(1<<2) != 0: // C_STEP
			if t.OnStep != nil {
				t.OnStep(t)
			} else {
				t.Regs[RegPC] += 2
				t.Halted = true
			}
			t.DFSR |= 1
		default:
			t.Halted = false
			if t.OnRun != nil {
				t.OnRun(t)
			}
		}
	case addrDCRSR:
		sel := value & 0x7F
		writeNotRead := value&(1<<16) != 0
		if int(sel) < len(t.Regs) {
			if writeNotRead {
				t.Regs[sel] = t.dcrdr
			} else {
				t.dcrdr = t.Regs[sel]
			}
		}
	case addrDCRDR:
		t.dcrdr = value
	case addrDFSR:
		t.DFSR &^= value // write-one-to-clear
	case addrDEMCR:
		t.DEMCR = value
	case addrAIRCR:
		if value>>16 != 0x05FA {
			return // missing VECTKEY
		}
		if value&(1<<2) != 0 { // SYSRESETREQ
			t.Regs[RegPC] = t.ResetPC
			t.Regs[RegXPSR] = 0
			if t.DEMCR&1 != 0 { // VC_CORERESET armed
				t.Halted = true
				t.DFSR |= 1 << 3 // VCATCH
			} else {
				t.Halted = false
			}
		}
	case addrFPCTRL:
		if value&(1<<1) == 0 {
			return // missing KEY, write ignored
		}
		t.FPEnabled = value&1 != 0
	default:
		if address >= addrFPCOMP && address < addrFPCOMP+uint32(len(t.FPComp))*4 {
			t.FPComp[(address-addrFPCOMP)/4] = value
			return
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], value)
		for i := range b {
			t.Mem[address+uint32(i)] = b[i]
		}
	}
}

// InstalledBreakpoints counts the comparator units currently holding a
// non-zero (enabled) configuration.
func (t *Target) InstalledBreakpoints() int {
	n := 0
	for _, v := range t.FPComp {
		if v != 0 {
			n++
		}
	}
	return n
}
