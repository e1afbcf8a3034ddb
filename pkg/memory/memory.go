// Package memory implements the target memory read/write interface on
// top of a dap.Port, including the read-modify-write alignment fallback
// protocol.WriteBlock32 uses for CPUs that cannot do unaligned bus
// transactions.
package memory

import (
	"encoding/binary"

	"github.com/daschewie/embedctl/pkg/dap"
	"github.com/daschewie/embedctl/pkg/dberr"
)

// Interface is the memory access surface every core implementation is
// built on: word-at-a-time register access plus arbitrary-length,
// arbitrary-alignment block transfers.
type Interface struct {
	port *dap.Port
}

// New wraps a dap.Port as a memory.Interface.
func New(port *dap.Port) *Interface {
	return &Interface{port: port}
}

// SetPort repoints an existing Interface at a new dap.Port, used when a
// session re-attaches after the probe connection had to be torn down
// and reopened mid-session.
func (m *Interface) SetPort(port *dap.Port) { m.port = port }

// ReadWord32 reads one 32-bit word at a 4-byte-aligned address.
func (m *Interface) ReadWord32(address uint32) (uint32, error) {
	buf, err := m.port.ReadBlock32(address, 1)
	if err != nil {
		return 0, dberr.Wrap(dberr.KindTransport, "memory.ReadWord32", "read word", err)
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// WriteWord32 writes one 32-bit word at a 4-byte-aligned address.
func (m *Interface) WriteWord32(address uint32, value uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := m.port.WriteBlock32(address, buf); err != nil {
		return dberr.Wrap(dberr.KindTransport, "memory.WriteWord32", "write word", err)
	}
	return nil
}

// ReadBlock reads an arbitrary-length, arbitrary-alignment block by
// rounding out to the enclosing word-aligned range and trimming.
func (m *Interface) ReadBlock(address uint32, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	alignedAddr, alignedLen := alignRange(address, uint32(length))
	buf, err := m.port.ReadBlock32(alignedAddr, int(alignedLen/4))
	if err != nil {
		return nil, dberr.Wrap(dberr.KindTransport, "memory.ReadBlock", "read aligned block", err)
	}
	offset := address - alignedAddr
	return buf[offset : offset+uint32(length)], nil
}

// WriteBlock writes data of any length at any address, performing a
// read-modify-write of the enclosing aligned words when address or
// length aren't 4-byte aligned — the same fallback
// protocol.WriteBlock32 uses for 32-bit-only CPU buses.
func (m *Interface) WriteBlock(address uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if address%4 == 0 && len(data)%4 == 0 {
		if err := m.port.WriteBlock32(address, data); err != nil {
			return dberr.Wrap(dberr.KindTransport, "memory.WriteBlock", "write aligned block", err)
		}
		return nil
	}

	alignedAddr, alignedLen := alignRange(address, uint32(len(data)))
	block, err := m.port.ReadBlock32(alignedAddr, int(alignedLen/4))
	if err != nil {
		return dberr.Wrap(dberr.KindTransport, "memory.WriteBlock", "read block for alignment", err)
	}
	if uint32(len(block)) != alignedLen {
		return dberr.New(dberr.KindProtocol, "memory.WriteBlock", "short read during alignment fixup")
	}

	offset := address - alignedAddr
	copy(block[offset:], data)

	if err := m.port.WriteBlock32(alignedAddr, block); err != nil {
		return dberr.Wrap(dberr.KindTransport, "memory.WriteBlock", "write aligned block", err)
	}
	return nil
}

// alignRange rounds [address, address+length) out to the enclosing
// 4-byte-aligned range.
func alignRange(address, length uint32) (alignedAddr, alignedLen uint32) {
	addressAlign := address % 4
	alignedAddr = address - addressAlign
	adjustedLen := length + addressAlign
	if rem := adjustedLen % 4; rem > 0 {
		adjustedLen += 4 - rem
	}
	return alignedAddr, adjustedLen
}
