package rtt

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/daschewie/embedctl/pkg/dap"
	"github.com/daschewie/embedctl/pkg/memory"
	"github.com/daschewie/embedctl/pkg/simprobe"
)

// cbBuilder assembles a control-block byte image the way SEGGER's
// firmware lays it out in RAM.
type cbBuilder struct {
	up, down []chanDesc
}

type chanDesc struct {
	namePtr, bufPtr, size, wrIdx, rdIdx, flags uint32
}

func (b *cbBuilder) bytes() []byte {
	out := append([]byte{}, controlBlockMagic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.up)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.down)))
	for _, d := range append(append([]chanDesc{}, b.up...), b.down...) {
		for _, w := range []uint32{d.namePtr, d.bufPtr, d.size, d.wrIdx, d.rdIdx, d.flags} {
			out = binary.LittleEndian.AppendUint32(out, w)
		}
	}
	return out
}

func simMemory(t *testing.T, sim *simprobe.Target) *memory.Interface {
	t.Helper()
	port, err := dap.Open(sim, "sim")
	if err != nil {
		t.Fatal(err)
	}
	return memory.New(port)
}

func TestAttachExactAddress(t *testing.T) {
	sim := simprobe.New()
	const cbAddr = 0x20000100
	cb := cbBuilder{
		up: []chanDesc{
			{namePtr: 0x20000400, bufPtr: 0x20000500, size: 64},
			{bufPtr: 0x20000600, size: 32},
		},
		down: []chanDesc{
			{bufPtr: 0x20000700, size: 16, flags: uint32(ModeBlockingHost)},
		},
	}
	sim.LoadBytes(cbAddr, cb.bytes())
	sim.LoadBytes(0x20000400, []byte("Terminal\x00"))
	mem := simMemory(t, sim)

	exact := uint32(cbAddr)
	got, err := Attach(mem, ScanRegion{Exact: &exact})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Up) != 2 || len(got.Down) != 1 {
		t.Fatalf("attached %d up / %d down channels, want 2/1", len(got.Up), len(got.Down))
	}
	if got.Up[0].Name != "Terminal" {
		t.Fatalf("channel name = %q, want Terminal", got.Up[0].Name)
	}
	if got.Up[0].bufferAddr != 0x20000500 || got.Up[0].size != 64 {
		t.Fatalf("channel 0 buffer = 0x%08X/%d, want 0x20000500/64", got.Up[0].bufferAddr, got.Up[0].size)
	}
	if got.Down[0].Mode() != ModeBlockingHost {
		t.Fatalf("down channel mode = %v, want ModeBlockingHost", got.Down[0].Mode())
	}
}

func TestAttachScanIgnoresNoise(t *testing.T) {
	sim := simprobe.New()
	const cbAddr = 0x20000340
	sim.LoadBytes(0x20000000, bytes.Repeat([]byte("SEGGER RT"), 50)) // near-miss noise
	cb := cbBuilder{up: []chanDesc{{bufPtr: 0x20000800, size: 32}}}
	sim.LoadBytes(cbAddr, cb.bytes())
	mem := simMemory(t, sim)

	got, err := Attach(mem, ScanRegion{Ranges: []Range{{Start: 0x20000000, End: 0x20000600}}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != cbAddr {
		t.Fatalf("attached at 0x%08X, want 0x%08X", got.Address, uint32(cbAddr))
	}
}

func TestAttachRejectsMultipleControlBlocks(t *testing.T) {
	sim := simprobe.New()
	cb := cbBuilder{up: []chanDesc{{bufPtr: 0x20000800, size: 32}}}
	sim.LoadBytes(0x20000100, cb.bytes())
	sim.LoadBytes(0x20000300, cb.bytes())
	mem := simMemory(t, sim)

	_, err := Attach(mem, ScanRegion{Ranges: []Range{{Start: 0x20000000, End: 0x20000600}}})
	if err == nil {
		t.Fatal("two control blocks should be an error the caller resolves")
	}
}

func TestAttachSkipsUninitializedChannelSlot(t *testing.T) {
	sim := simprobe.New()
	const cbAddr = 0x20000100
	cb := cbBuilder{
		up: []chanDesc{
			{bufPtr: 0, size: 0}, // declared but not yet initialized by firmware
			{bufPtr: 0x20000500, size: 64},
		},
	}
	sim.LoadBytes(cbAddr, cb.bytes())
	mem := simMemory(t, sim)

	exact := uint32(cbAddr)
	got, err := Attach(mem, ScanRegion{Exact: &exact})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Up) != 1 {
		t.Fatalf("expected the zero-pointer slot skipped, have %d channels", len(got.Up))
	}
}

func TestAttachRejectsImplausibleChannelCounts(t *testing.T) {
	sim := simprobe.New()
	const cbAddr = 0x20000100
	image := append([]byte{}, controlBlockMagic...)
	image = binary.LittleEndian.AppendUint32(image, 1000) // way past any sane count
	image = binary.LittleEndian.AppendUint32(image, 0)
	sim.LoadBytes(cbAddr, image)
	mem := simMemory(t, sim)

	exact := uint32(cbAddr)
	if _, err := Attach(mem, ScanRegion{Exact: &exact}); err == nil {
		t.Fatal("corrupt channel counts should fail attach")
	}
}

// TestRoundTripAcrossWraparound plays firmware for an echo loop: every
// byte the host pushes into the down channel is copied to the up
// channel, with a buffer size (10, not a power of two) small enough
// that a multi-chunk transfer wraps both rings repeatedly.
func TestRoundTripAcrossWraparound(t *testing.T) {
	sim := simprobe.New()
	const (
		cbAddr  = 0x20000100
		upBuf   = 0x20000500
		downBuf = 0x20000600
		bufSize = 10
	)
	cb := cbBuilder{
		up:   []chanDesc{{bufPtr: upBuf, size: bufSize}},
		down: []chanDesc{{bufPtr: downBuf, size: bufSize, flags: uint32(ModeBlockingHost)}},
	}
	sim.LoadBytes(cbAddr, cb.bytes())
	mem := simMemory(t, sim)

	exact := uint32(cbAddr)
	attached, err := Attach(mem, ScanRegion{Exact: &exact})
	if err != nil {
		t.Fatal(err)
	}
	up, down := &attached.Up[0], &attached.Down[0]

	// echoPump moves every pending down-channel byte into the up
	// channel, advancing the firmware-owned indices directly in
	// simulated memory.
	echoPump := func() {
		downWr := binary.LittleEndian.Uint32(sim.ReadBytes(down.descAddr+12, 4))
		downRd := binary.LittleEndian.Uint32(sim.ReadBytes(down.descAddr+16, 4))
		upWr := binary.LittleEndian.Uint32(sim.ReadBytes(up.descAddr+12, 4))
		for downRd != downWr {
			b := sim.Mem[downBuf+downRd]
			sim.Mem[upBuf+upWr] = b
			downRd = (downRd + 1) % bufSize
			upWr = (upWr + 1) % bufSize
		}
		var w [4]byte
		binary.LittleEndian.PutUint32(w[:], downRd)
		sim.LoadBytes(down.descAddr+16, w[:])
		binary.LittleEndian.PutUint32(w[:], upWr)
		sim.LoadBytes(up.descAddr+12, w[:])
	}

	payload := []byte("the quick brown fox jumps over the lazy dog")
	var echoed []byte
	readBuf := make([]byte, 8)

	for sent := 0; sent < len(payload); {
		n, err := down.Write(mem, payload[sent:])
		if err != nil {
			t.Fatal(err)
		}
		sent += n
		echoPump()
		for {
			r, err := up.Read(mem, readBuf)
			if err != nil {
				t.Fatal(err)
			}
			if r == 0 {
				break
			}
			echoed = append(echoed, readBuf[:r]...)
		}
	}

	if !bytes.Equal(echoed, payload) {
		t.Fatalf("round trip mismatch:\n got %q\nwant %q", echoed, payload)
	}
}

func TestSetModeRewritesFlags(t *testing.T) {
	sim := simprobe.New()
	const cbAddr = 0x20000100
	cb := cbBuilder{
		down: []chanDesc{{bufPtr: 0x20000700, size: 16, flags: uint32(ModeNonBlockingSkip) | 0x100}},
	}
	sim.LoadBytes(cbAddr, cb.bytes())
	mem := simMemory(t, sim)

	exact := uint32(cbAddr)
	attached, err := Attach(mem, ScanRegion{Exact: &exact})
	if err != nil {
		t.Fatal(err)
	}
	ch := &attached.Down[0]

	if err := ch.SetMode(mem, ModeBlockingHost); err != nil {
		t.Fatal(err)
	}
	if ch.Mode() != ModeBlockingHost {
		t.Fatalf("mode = %v after SetMode", ch.Mode())
	}
	flags := binary.LittleEndian.Uint32(sim.ReadBytes(ch.descAddr+20, 4))
	if flags != uint32(ModeBlockingHost)|0x100 {
		t.Fatalf("flags = 0x%X, want mode bits swapped and high bits preserved", flags)
	}
}
