package flasher

import (
	"bytes"
	"context"
	"testing"

	"github.com/daschewie/embedctl/pkg/core"
	"github.com/daschewie/embedctl/pkg/dap"
	"github.com/daschewie/embedctl/pkg/dberr"
	"github.com/daschewie/embedctl/pkg/flashalgo"
	"github.com/daschewie/embedctl/pkg/flashbuilder"
	"github.com/daschewie/embedctl/pkg/memory"
	"github.com/daschewie/embedctl/pkg/simprobe"
)

const (
	ramStart   = 0x20000000
	ramEnd     = 0x20001000
	flashStart = 0x08000000
	flashEnd   = 0x08010000
	pageSize   = 512
	sectorSize = 1024
)

func testAlgo(t *testing.T) *flashalgo.Assembled {
	t.Helper()
	raw := &flashalgo.Raw{
		Name:          "sim",
		Instructions:  make([]uint32, 8), // 32 bytes of code
		PCInit:        4,
		PCUnInit:      8,
		PCProgramPage: 12,
		PCEraseSector: 16,
		PCEraseAll:    20,
		StackSize:     512,
		FlashProperties: flashalgo.Properties{
			AddressRange:    [2]uint32{flashStart, flashEnd},
			PageSize:        pageSize,
			ErasedByteValue: 0xFF,
			Sectors: []flashalgo.SectorDescriptor{
				{Offset: 0, Size: sectorSize},
			},
		},
	}
	algo, err := flashalgo.Assemble(raw, flashalgo.RAMRegion{Start: ramStart, End: ramEnd})
	if err != nil {
		t.Fatal(err)
	}
	return algo
}

// simCall is one recorded algorithm entry-point invocation.
type simCall struct {
	name   string
	addr   uint32
	length uint32
	buffer uint32
}

// installAlgorithmModel wires a sim OnRun hook that behaves like a
// vendor flash algorithm: it decodes which entry point PC was seeded
// to, applies the matching effect to simulated flash, reports success
// in R0, and traps back to the loader breakpoint.
func installAlgorithmModel(sim *simprobe.Target, algo *flashalgo.Assembled, calls *[]simCall) {
	sim.OnRun = func(st *simprobe.Target) {
		pc := st.Regs[simprobe.RegPC]
		switch pc {
		case algo.EntryInit():
			*calls = append(*calls, simCall{name: "init"})
		case algo.EntryUnInit():
			*calls = append(*calls, simCall{name: "uninit"})
		case algo.EntryEraseAll():
			*calls = append(*calls, simCall{name: "erase_all"})
			st.LoadBytes(flashStart, bytes.Repeat([]byte{0xFF}, 2*sectorSize))
		case algo.EntryEraseSector():
			base := st.Regs[0]
			*calls = append(*calls, simCall{name: "erase_sector", addr: base})
			st.LoadBytes(base, bytes.Repeat([]byte{0xFF}, sectorSize))
		case algo.EntryProgramPage():
			addr, length, buffer := st.Regs[0], st.Regs[1], st.Regs[2]
			*calls = append(*calls, simCall{name: "program_page", addr: addr, length: length, buffer: buffer})
			st.LoadBytes(addr, st.ReadBytes(buffer, int(length)))
		}
		st.Regs[0] = 0
		st.Halted = true
		st.DFSR |= 1 << 1 // BKPT
	}
}

func simFlasher(t *testing.T, sim *simprobe.Target, algo *flashalgo.Assembled) (*Flasher, *memory.Interface) {
	t.Helper()
	port, err := dap.Open(sim, "sim")
	if err != nil {
		t.Fatal(err)
	}
	mem := memory.New(port)
	c := core.New(mem, core.KindM3M4M7)
	return New(c, mem, algo), mem
}

// TestChipEraseThenProgramTwoPages: one erase_all call, then one
// program_page per touched page, each padded to the page size with the
// erased byte value.
func TestChipEraseThenProgramTwoPages(t *testing.T) {
	sim := simprobe.New()
	sim.Halted = true
	algo := testAlgo(t)
	var calls []simCall
	installAlgorithmModel(sim, algo, &calls)
	fl, mem := simFlasher(t, sim, algo)
	ctx := context.Background()

	builder := flashbuilder.New()
	if err := builder.AddData(flashStart, []byte{0xAA, 0xAA, 0xAA, 0xAA}); err != nil {
		t.Fatal(err)
	}
	if err := builder.AddData(flashStart+0x200, []byte{0xBB, 0xBB, 0xBB, 0xBB}); err != nil {
		t.Fatal(err)
	}
	plan, err := builder.Build(algo.Raw.FlashProperties, false, func(address uint32, length int) ([]byte, error) {
		return mem.ReadBlock(address, length)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := fl.Init(ctx, OpProgram); err != nil {
		t.Fatal(err)
	}
	if err := fl.Execute(ctx, plan, true, nil); err != nil {
		t.Fatal(err)
	}
	if err := fl.UnInit(ctx, OpProgram); err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, c := range calls {
		names = append(names, c.name)
	}
	want := []string{"init", "erase_all", "program_page", "program_page", "uninit"}
	if len(names) != len(want) {
		t.Fatalf("call sequence = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("call sequence = %v, want %v", names, want)
		}
	}

	page0 := sim.ReadBytes(flashStart, pageSize)
	if !bytes.Equal(page0[:4], []byte{0xAA, 0xAA, 0xAA, 0xAA}) {
		t.Fatalf("page 0 data = % X...", page0[:8])
	}
	for i := 4; i < pageSize; i++ {
		if page0[i] != 0xFF {
			t.Fatalf("page 0 byte %d = 0x%02X, want erased 0xFF", i, page0[i])
		}
	}
	page1 := sim.ReadBytes(flashStart+0x200, pageSize)
	if !bytes.Equal(page1[:4], []byte{0xBB, 0xBB, 0xBB, 0xBB}) {
		t.Fatalf("page 1 data = % X...", page1[:8])
	}
}

// TestSectorEraseRestoresUnwrittenBytes: a 16-byte write into a page
// whose other bytes must survive, read back from the target before the
// sector erase.
func TestSectorEraseRestoresUnwrittenBytes(t *testing.T) {
	sim := simprobe.New()
	sim.Halted = true
	algo := testAlgo(t)
	var calls []simCall
	installAlgorithmModel(sim, algo, &calls)
	fl, mem := simFlasher(t, sim, algo)
	ctx := context.Background()

	sim.LoadBytes(flashStart, bytes.Repeat([]byte{0x5A}, pageSize))

	builder := flashbuilder.New()
	if err := builder.AddData(flashStart+0x10, bytes.Repeat([]byte{0x11}, 16)); err != nil {
		t.Fatal(err)
	}
	plan, err := builder.Build(algo.Raw.FlashProperties, true, func(address uint32, length int) ([]byte, error) {
		return mem.ReadBlock(address, length)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := fl.Init(ctx, OpProgram); err != nil {
		t.Fatal(err)
	}
	if err := fl.Execute(ctx, plan, false, nil); err != nil {
		t.Fatal(err)
	}

	foundErase := false
	for _, c := range calls {
		if c.name == "erase_sector" && c.addr == flashStart {
			foundErase = true
		}
	}
	if !foundErase {
		t.Fatalf("no sector erase at 0x%08X in %v", uint32(flashStart), calls)
	}

	page := sim.ReadBytes(flashStart, pageSize)
	for i := 0; i < 0x10; i++ {
		if page[i] != 0x5A {
			t.Fatalf("byte %d = 0x%02X, want restored 0x5A", i, page[i])
		}
	}
	for i := 0x10; i < 0x20; i++ {
		if page[i] != 0x11 {
			t.Fatalf("byte %d = 0x%02X, want written 0x11", i, page[i])
		}
	}
	for i := 0x20; i < pageSize; i++ {
		if page[i] != 0x5A {
			t.Fatalf("byte %d = 0x%02X, want restored 0x5A", i, page[i])
		}
	}
}

// TestProgramPagesAlternatesBuffers: with two assembled page buffers,
// consecutive pages must target alternating buffer addresses.
func TestProgramPagesAlternatesBuffers(t *testing.T) {
	sim := simprobe.New()
	sim.Halted = true
	algo := testAlgo(t)
	if len(algo.PageBuffers) != 2 {
		t.Fatalf("test RAM layout should fit two page buffers, got %d", len(algo.PageBuffers))
	}
	var calls []simCall
	installAlgorithmModel(sim, algo, &calls)
	fl, _ := simFlasher(t, sim, algo)

	pages := []Page{
		{Address: flashStart, Data: bytes.Repeat([]byte{1}, pageSize)},
		{Address: flashStart + pageSize, Data: bytes.Repeat([]byte{2}, pageSize)},
		{Address: flashStart + 2*pageSize, Data: bytes.Repeat([]byte{3}, pageSize)},
	}
	if err := fl.ProgramPages(context.Background(), pages, nil); err != nil {
		t.Fatal(err)
	}

	if len(calls) != 3 {
		t.Fatalf("expected 3 program calls, got %v", calls)
	}
	if calls[0].buffer == calls[1].buffer {
		t.Fatalf("pages 0 and 1 used the same buffer 0x%08X", calls[0].buffer)
	}
	if calls[0].buffer != calls[2].buffer {
		t.Fatalf("pages 0 and 2 should reuse the first buffer")
	}
}

// TestCancellationHaltsCore: cancelling mid-call returns KindCancelled
// and leaves the core halted rather than running the algorithm
// unattended.
func TestCancellationHaltsCore(t *testing.T) {
	sim := simprobe.New()
	sim.Halted = true
	algo := testAlgo(t)
	// No OnRun hook: resuming leaves the simulated core running
	// forever, as a wedged algorithm would.
	fl, _ := simFlasher(t, sim, algo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fl.EraseSector(ctx, flashStart)
	if !dberr.Is(err, dberr.KindCancelled) {
		t.Fatalf("cancelled erase = %v, want KindCancelled in the chain", err)
	}
	if !sim.Halted {
		t.Fatal("core should be halted after a cancelled flash call")
	}
}

// TestAlgorithmErrorSurfaces: a non-zero R0 from the algorithm is an
// AlgorithmFailure, never retried (exactly one call recorded).
func TestAlgorithmErrorSurfaces(t *testing.T) {
	sim := simprobe.New()
	sim.Halted = true
	algo := testAlgo(t)
	calls := 0
	sim.OnRun = func(st *simprobe.Target) {
		calls++
		st.Regs[0] = 3 // vendor error code
		st.Halted = true
	}
	fl, _ := simFlasher(t, sim, algo)

	err := fl.EraseSector(context.Background(), flashStart)
	if !dberr.Is(err, dberr.KindAlgorithmFailure) {
		t.Fatalf("algorithm error = %v, want KindAlgorithmFailure", err)
	}
	if calls != 1 {
		t.Fatalf("algorithm failure must not be retried, got %d calls", calls)
	}
}

// TestInitVerifiesLoadedInstructions: Init reads the algorithm back
// after loading and fails loudly on a mismatch.
func TestInitVerifiesLoadedInstructions(t *testing.T) {
	sim := simprobe.New()
	sim.Halted = true
	algo := testAlgo(t)
	var calls []simCall
	installAlgorithmModel(sim, algo, &calls)
	fl, _ := simFlasher(t, sim, algo)

	if err := fl.Init(context.Background(), OpProgram); err != nil {
		t.Fatalf("clean init should verify, got %v", err)
	}
	if got := sim.ReadBytes(algo.LoadAddress, len(algo.Instructions)); !bytes.Equal(got, algo.Instructions) {
		t.Fatal("algorithm image in target RAM differs from the assembled image")
	}
}
