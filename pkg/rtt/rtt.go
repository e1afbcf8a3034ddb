// Package rtt implements SEGGER RTT control-block discovery and ring
// buffer I/O over a target's debug memory interface.
package rtt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/daschewie/embedctl/pkg/dberr"
	"github.com/daschewie/embedctl/pkg/memory"
)

// controlBlockMagic is the 16-byte marker the target firmware writes
// at the start of its control block.
var controlBlockMagic = []byte("SEGGER RTT\x00\x00\x00\x00\x00\x00")

const (
	offID               = 0
	offMaxUpChannels    = 16
	offMaxDownChannels  = 20
	offChannelArrays    = 24
	minControlBlockSize = offChannelArrays

	channelDescriptorSize = 24 // name ptr, buffer ptr, size, write idx, read idx, flags
	maxSaneChannels       = 255
)

// Mode is a channel's overflow behavior.
type Mode int

const (
	ModeNonBlockingSkip Mode = iota
	ModeNonBlockingTrim
	ModeBlockingHost
)

// Range is an inclusive-start/exclusive-end address range to scan.
type Range struct{ Start, End uint32 }

// ScanRegion selects where Attach looks for the control block.
type ScanRegion struct {
	// Exact, if non-nil, is a known control-block address: no scan is
	// performed and the magic bytes are read once to confirm it.
	Exact *uint32
	// Ranges is scanned in order when Exact is nil; leaving it empty
	// is a programming error, callers should default it to the
	// target's RAM regions.
	Ranges []Range
}

// Channel is one up or down ring buffer, as laid out in target memory.
type Channel struct {
	Name         string
	bufferAddr   uint32
	size         uint32
	descAddr     uint32
	writeIdxOff  uint32
	readIdxOff   uint32
	mode         Mode
}

// ControlBlock is an attached RTT instance: the set of up (target to
// host) and down (host to target) channels found at a single control
// block address.
type ControlBlock struct {
	Address uint32
	Up      []Channel
	Down    []Channel
}

// findControlBlocks returns every address in ranges whose bytes begin
// with controlBlockMagic, using a KMP-style scan over each region's raw
// bytes independently (ranges are assumed non-overlapping and each read
// whole); a control block that straddles two ranges is not found.
func findControlBlocks(mem *memory.Interface, ranges []Range) ([]uint32, error) {
	var found []uint32
	for _, r := range ranges {
		if r.End <= r.Start {
			continue
		}
		data, err := mem.ReadBlock(r.Start, int(r.End-r.Start))
		if err != nil {
			return nil, dberr.Wrap(dberr.KindTransport, "rtt.findControlBlocks", fmt.Sprintf("scan range 0x%08X-0x%08X", r.Start, r.End), err)
		}
		offsets := kmpFindAll(data, controlBlockMagic)
		for _, off := range offsets {
			found = append(found, r.Start+uint32(off))
		}
	}
	return found, nil
}

// kmpFindAll returns every starting offset in haystack where needle
// occurs, using the Knuth-Morris-Pratt failure-function algorithm.
func kmpFindAll(haystack, needle []byte) []int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return nil
	}
	lps := make([]int, len(needle))
	length := 0
	for i := 1; i < len(needle); {
		if needle[i] == needle[length] {
			length++
			lps[i] = length
			i++
		} else if length != 0 {
			length = lps[length-1]
		} else {
			lps[i] = 0
			i++
		}
	}

	var matches []int
	i, j := 0, 0
	for i < len(haystack) {
		if haystack[i] == needle[j] {
			i++
			j++
			if j == len(needle) {
				matches = append(matches, i-j)
				j = lps[j-1]
			}
		} else if j != 0 {
			j = lps[j-1]
		} else {
			i++
		}
	}
	return matches
}

// Attach scans region for a control block, parses its channel arrays,
// and returns the attached ControlBlock. A single Exact candidate is
// read and validated directly; otherwise every Ranges hit is collected
// and it's an error unless exactly one was found.
func Attach(mem *memory.Interface, region ScanRegion) (*ControlBlock, error) {
	var candidates []uint32
	if region.Exact != nil {
		candidates = []uint32{*region.Exact}
	} else {
		found, err := findControlBlocks(mem, region.Ranges)
		if err != nil {
			return nil, err
		}
		candidates = found
	}

	switch len(candidates) {
	case 0:
		return nil, dberr.New(dberr.KindInvariant, "rtt.Attach", "no RTT control block found")
	case 1:
		return parseControlBlock(mem, candidates[0])
	default:
		return nil, dberr.New(dberr.KindInvariant, "rtt.Attach", fmt.Sprintf("multiple RTT control blocks found: %v", candidates))
	}
}

func parseControlBlock(mem *memory.Interface, address uint32) (*ControlBlock, error) {
	header, err := mem.ReadBlock(address, minControlBlockSize)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindTransport, "rtt.parseControlBlock", "read control block header", err)
	}
	if !bytes.Equal(header[offID:offID+16], controlBlockMagic) {
		return nil, dberr.New(dberr.KindInvariant, "rtt.parseControlBlock", "control block magic mismatch")
	}

	maxUp := binary.LittleEndian.Uint32(header[offMaxUpChannels : offMaxUpChannels+4])
	maxDown := binary.LittleEndian.Uint32(header[offMaxDownChannels : offMaxDownChannels+4])
	if maxUp > maxSaneChannels || maxDown > maxSaneChannels {
		return nil, dberr.New(dberr.KindInvariant, "rtt.parseControlBlock", fmt.Sprintf("implausible channel counts: up=%d down=%d", maxUp, maxDown))
	}

	cbLen := minControlBlockSize + int(maxUp+maxDown)*channelDescriptorSize
	full, err := mem.ReadBlock(address, cbLen)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindTransport, "rtt.parseControlBlock", "read channel arrays", err)
	}

	cb := &ControlBlock{Address: address}
	base := minControlBlockSize
	for i := 0; i < int(maxUp); i++ {
		ch, ok := parseChannelDescriptor(mem, full, base+i*channelDescriptorSize, address)
		if ok {
			cb.Up = append(cb.Up, ch)
		}
	}
	base += int(maxUp) * channelDescriptorSize
	for i := 0; i < int(maxDown); i++ {
		ch, ok := parseChannelDescriptor(mem, full, base+i*channelDescriptorSize, address)
		if ok {
			cb.Down = append(cb.Down, ch)
		}
	}

	return cb, nil
}

const maxChannelNameLength = 32

// parseChannelDescriptor decodes one 24-byte channel slot. An
// uninitialized slot (zero buffer pointer) is a channel the firmware
// has not configured yet; it is skipped rather than treated as fatal.
func parseChannelDescriptor(mem *memory.Interface, buf []byte, off int, cbAddr uint32) (Channel, bool) {
	namePtr := binary.LittleEndian.Uint32(buf[off : off+4])
	bufferPtr := binary.LittleEndian.Uint32(buf[off+4 : off+8])
	size := binary.LittleEndian.Uint32(buf[off+8 : off+12])
	if bufferPtr == 0 || size == 0 {
		return Channel{}, false
	}
	flags := binary.LittleEndian.Uint32(buf[off+20 : off+24])

	ch := Channel{
		Name:        readCString(mem, namePtr),
		bufferAddr:  bufferPtr,
		size:        size,
		descAddr:    cbAddr + uint32(off),
		writeIdxOff: 12,
		readIdxOff:  16,
		mode:        Mode(flags & 0x3),
	}
	return ch, true
}

// readCString reads up to maxChannelNameLength bytes at addr and
// returns the portion before the first NUL. A zero pointer or a read
// failure yields an empty name rather than a fatal error - a missing
// channel name never blocks the channel from being usable.
func readCString(mem *memory.Interface, addr uint32) string {
	if addr == 0 {
		return ""
	}
	buf, err := mem.ReadBlock(addr, maxChannelNameLength)
	if err != nil {
		return ""
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

// Mode returns the channel's overflow behavior as read from its
// descriptor flags at attach time.
func (c *Channel) Mode() Mode { return c.mode }

// SetMode rewrites the mode bits of the channel's descriptor flags on
// the target, leaving the remaining flag bits untouched.
func (c *Channel) SetMode(mem *memory.Interface, mode Mode) error {
	flagsAddr := c.descAddr + 20
	flags, err := mem.ReadWord32(flagsAddr)
	if err != nil {
		return dberr.Wrap(dberr.KindTransport, "rtt.Channel.SetMode", "read channel flags", err)
	}
	flags = (flags &^ 0x3) | uint32(mode)&0x3
	if err := mem.WriteWord32(flagsAddr, flags); err != nil {
		return dberr.Wrap(dberr.KindTransport, "rtt.Channel.SetMode", "write channel flags", err)
	}
	c.mode = mode
	return nil
}

// BytesAvailable returns how many unread bytes are currently in an up
// (target-to-host) channel's ring buffer.
func (c *Channel) BytesAvailable(mem *memory.Interface) (uint32, error) {
	write, read, err := c.indices(mem)
	if err != nil {
		return 0, err
	}
	return ringDistance(read, write, c.size), nil
}

func (c *Channel) indices(mem *memory.Interface) (write, read uint32, err error) {
	write, err = mem.ReadWord32(c.descAddr + c.writeIdxOff)
	if err != nil {
		return 0, 0, dberr.Wrap(dberr.KindTransport, "rtt.Channel.indices", "read write index", err)
	}
	read, err = mem.ReadWord32(c.descAddr + c.readIdxOff)
	if err != nil {
		return 0, 0, dberr.Wrap(dberr.KindTransport, "rtt.Channel.indices", "read read index", err)
	}
	return write, read, nil
}

// ringDistance computes the number of unread bytes between read and
// write indices modulo size, since SEGGER RTT buffer sizes are not
// constrained to powers of two.
func ringDistance(read, write, size uint32) uint32 {
	if size == 0 {
		return 0
	}
	if write >= read {
		return write - read
	}
	return size - read + write
}

// Read drains up to len(dest) bytes from an up channel, returning the
// number of bytes copied, and advances the read index on the target.
func (c *Channel) Read(mem *memory.Interface, dest []byte) (int, error) {
	write, read, err := c.indices(mem)
	if err != nil {
		return 0, err
	}
	avail := ringDistance(read, write, c.size)
	n := uint32(len(dest))
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0, nil
	}

	firstChunk := c.size - read
	if firstChunk > n {
		firstChunk = n
	}
	buf, err := mem.ReadBlock(c.bufferAddr+read, int(firstChunk))
	if err != nil {
		return 0, dberr.Wrap(dberr.KindTransport, "rtt.Channel.Read", "read ring buffer", err)
	}
	copy(dest, buf)

	if n > firstChunk {
		buf2, err := mem.ReadBlock(c.bufferAddr, int(n-firstChunk))
		if err != nil {
			return 0, dberr.Wrap(dberr.KindTransport, "rtt.Channel.Read", "read wrapped ring buffer", err)
		}
		copy(dest[firstChunk:], buf2)
	}

	newRead := (read + n) % c.size
	if err := mem.WriteWord32(c.descAddr+c.readIdxOff, newRead); err != nil {
		return 0, dberr.Wrap(dberr.KindTransport, "rtt.Channel.Read", "advance read index", err)
	}
	return int(n), nil
}

// Write pushes data into a down channel (host to target), honoring the
// channel's overflow Mode: ModeNonBlockingSkip drops data that doesn't
// fit entirely, ModeNonBlockingTrim writes as much as fits and discards
// the rest, and ModeBlockingHost writes as much as fits and reports the
// count so the caller can retry the remainder once the firmware drains
// the buffer.
func (c *Channel) Write(mem *memory.Interface, data []byte) (int, error) {
	write, read, err := c.indices(mem)
	if err != nil {
		return 0, err
	}
	free := c.size - 1 - ringDistance(read, write, c.size)

	n := uint32(len(data))
	switch c.mode {
	case ModeNonBlockingSkip:
		if n > free {
			return 0, nil
		}
	case ModeNonBlockingTrim, ModeBlockingHost:
		if n > free {
			n = free
		}
	}
	if n == 0 {
		return 0, nil
	}

	firstChunk := c.size - write
	if firstChunk > n {
		firstChunk = n
	}
	if err := mem.WriteBlock(c.bufferAddr+write, data[:firstChunk]); err != nil {
		return 0, dberr.Wrap(dberr.KindTransport, "rtt.Channel.Write", "write ring buffer", err)
	}
	if n > firstChunk {
		if err := mem.WriteBlock(c.bufferAddr, data[firstChunk:n]); err != nil {
			return 0, dberr.Wrap(dberr.KindTransport, "rtt.Channel.Write", "write wrapped ring buffer", err)
		}
	}

	newWrite := (write + n) % c.size
	if err := mem.WriteWord32(c.descAddr+c.writeIdxOff, newWrite); err != nil {
		return 0, dberr.Wrap(dberr.KindTransport, "rtt.Channel.Write", "advance write index", err)
	}
	return int(n), nil
}
