// Package dap implements the ADIv5 debug-port / access-port transaction
// layer: DP/AP register reads and writes plus MEM-AP block transfers,
// framed as fixed-size request/response packets with a validated
// status byte.
package dap

import (
	"encoding/binary"
	"fmt"

	"github.com/daschewie/embedctl/pkg/dberr"
	"github.com/daschewie/embedctl/pkg/probe"
)

// Command opcodes carried over the wire to the probe firmware.
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

// Port is a transaction-level connection to one ADIv5 debug port: it
// owns the transport and exposes one request per DP/AP register
// operation plus bulk memory transfer.
type Port struct {
	transport probe.Transport
	apSelect  uint32
	status0   byte
	status1   byte
}

// Open wraps an already-configured transport in a Port and performs the
// SWJ-DP line reset / JTAG-to-SWD switch sequence.
func Open(transport probe.Transport, addr string) (*Port, error) {
	if err := transport.Open(addr); err != nil {
		return nil, dberr.Wrap(dberr.KindTransport, "dap.Open", "open transport", err)
	}
	p := &Port{transport: transport}
	if err := p.lineReset(); err != nil {
		transport.Close()
		return nil, err
	}
	return p, nil
}

func (p *Port) Close() error { return p.transport.Close() }

func (p *Port) lineReset() error {
	_, err := p.transfer(cmdLineReset, 0, nil, 0)
	if err != nil {
		return dberr.Wrap(dberr.KindTransport, "dap.lineReset", "SWJ line reset", err)
	}
	return nil
}

// dpAbort is the DP ABORT register address and the value that clears
// every sticky error flag (STKCMPCLR|STKERRCLR|WDERRCLR|ORUNERRCLR).
const (
	dpAbortReg   = 0x0
	dpAbortClear = 0x1E
)

// transfer sends one framed request and returns the response payload.
// A protocol-level fault (bad status or LRC) is recovered once by
// clearing the DP sticky error flags and reissuing the request; a
// second fault surfaces to the caller.
func (p *Port) transfer(command byte, address uint32, data []byte, readLength uint16) ([]byte, error) {
	read, err := p.transferOnce(command, address, data, readLength)
	if err == nil || !dberr.Is(err, dberr.KindProtocol) {
		return read, err
	}

	abort := make([]byte, 4)
	binary.LittleEndian.PutUint32(abort, dpAbortClear)
	p.transferOnce(cmdWriteDP, dpAbortReg, abort, 0)

	return p.transferOnce(command, address, data, readLength)
}

// transferOnce performs one framed request/response exchange. Frame
// layout: an 8-byte header (sync, command, 4-byte big-endian address,
// 2-byte big-endian length), an optional payload, and a trailing XOR
// LRC over header+payload.
func (p *Port) transferOnce(command byte, address uint32, data []byte, readLength uint16) ([]byte, error) {
	p.status0, p.status1 = 0, 0

	length := readLength
	if len(data) > 0 {
		length = uint16(len(data))
	}

	header := make([]byte, 8)
	header[0] = requestSyncByte
	header[1] = command
	binary.BigEndian.PutUint32(header[2:6], address)
	binary.BigEndian.PutUint16(header[6:8], length)

	lrc := byte(0)
	for i := 0; i < len(header); i++ {
		lrc ^= header[i]
	}
	for _, b := range data {
		lrc ^= b
	}

	packet := make([]byte, 0, len(header)+len(data)+1)
	packet = append(packet, header...)
	packet = append(packet, data...)
	packet = append(packet, lrc)

	written, err := p.transport.Write(packet)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindTransport, "dap.transfer", "write request", err)
	}
	if written != len(packet) {
		return nil, dberr.New(dberr.KindTransport, "dap.transfer", fmt.Sprintf("short write: %d of %d bytes", written, len(packet)))
	}

	sync := byte(0)
	for sync != responseSyncByte {
		buf, err := p.transport.Read(1)
		if err != nil {
			return nil, dberr.Wrap(dberr.KindTransport, "dap.transfer", "read sync byte", err)
		}
		sync = buf[0]
	}

	statusBytes, err := p.transport.Read(2)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindTransport, "dap.transfer", "read status bytes", err)
	}
	p.status0, p.status1 = statusBytes[0], statusBytes[1]
	if p.status0 != 0 {
		return nil, dberr.New(dberr.KindProtocol, "dap.transfer", fmt.Sprintf("probe reported status 0x%02x/0x%02x", p.status0, p.status1))
	}

	var read []byte
	if readLength > 0 {
		read, err = p.transport.Read(int(readLength))
		if err != nil {
			return nil, dberr.Wrap(dberr.KindTransport, "dap.transfer", "read response payload", err)
		}
	}

	trailer, err := p.transport.Read(1)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindTransport, "dap.transfer", "read LRC trailer", err)
	}
	gotLRC := byte(0)
	for _, b := range statusBytes {
		gotLRC ^= b
	}
	for _, b := range read {
		gotLRC ^= b
	}
	if trailer[0] != gotLRC {
		return nil, dberr.New(dberr.KindProtocol, "dap.transfer", "response LRC mismatch")
	}

	return read, nil
}

// ReadDP reads a debug-port register by its 4-bit address.
func (p *Port) ReadDP(reg uint8) (uint32, error) {
	buf, err := p.transfer(cmdReadDP, uint32(reg), nil, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// WriteDP writes a debug-port register by its 4-bit address.
func (p *Port) WriteDP(reg uint8, value uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	_, err := p.transfer(cmdWriteDP, uint32(reg), buf, 0)
	return err
}

// Select chooses the AP and register bank subsequent AP accesses target,
// mirroring ADIv5's DP SELECT register semantics.
func (p *Port) Select(apSel uint32) error {
	p.apSelect = apSel
	return p.WriteDP(0x8, apSel) // SELECT register, DP address 0x8
}

// ReadAP reads an access-port register by its 4-bit address within the
// currently selected AP/bank.
func (p *Port) ReadAP(reg uint8) (uint32, error) {
	buf, err := p.transfer(cmdReadAP, uint32(reg), nil, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// WriteAP writes an access-port register by its 4-bit address within the
// currently selected AP/bank.
func (p *Port) WriteAP(reg uint8, value uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	_, err := p.transfer(cmdWriteAP, uint32(reg), buf, 0)
	return err
}

// SWJPins drives the probe's SWJ pins directly (nRST, SWCLK, SWDIO):
// output sets pin levels, selectMask chooses which pins output applies
// to, and waitMicros is how long the probe holds them before sampling.
// Returns the read-back pin state. Used by vendor reset sequences that
// need hardware reset control beyond AIRCR.SYSRESETREQ.
func (p *Port) SWJPins(output, selectMask byte, waitMicros uint32) (byte, error) {
	payload := make([]byte, 6)
	payload[0] = output
	payload[1] = selectMask
	binary.LittleEndian.PutUint32(payload[2:6], waitMicros)
	read, err := p.transfer(cmdSWJSequence, 0, payload, 1)
	if err != nil {
		return 0, err
	}
	return read[0], nil
}

// ReadBlock32 reads count 32-bit words starting at a target memory
// address via the MEM-AP, returning them as a little-endian byte slice.
func (p *Port) ReadBlock32(address uint32, count int) ([]byte, error) {
	return p.transfer(cmdReadBlock, address, nil, uint16(count*4))
}

// WriteBlock32 writes data (a whole number of 32-bit words) to a target
// memory address via the MEM-AP.
func (p *Port) WriteBlock32(address uint32, data []byte) error {
	if len(data)%4 != 0 {
		return dberr.New(dberr.KindInvariant, "dap.WriteBlock32", "data length must be a multiple of 4")
	}
	_, err := p.transfer(cmdWriteBlock, address, data, 0)
	return err
}
