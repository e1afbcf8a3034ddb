// Package flasher drives an assembled flash algorithm on the target: it
// loads the algorithm into RAM, calls its Init/ProgramPage/EraseSector/
// UnInit entry points by seeding registers and running to a breakpoint,
// and double-buffers page loads against in-flight programming.
package flasher

import (
	"context"
	"fmt"
	"time"

	"github.com/daschewie/embedctl/pkg/core"
	"github.com/daschewie/embedctl/pkg/dberr"
	"github.com/daschewie/embedctl/pkg/flashalgo"
	"github.com/daschewie/embedctl/pkg/flashbuilder"
	"github.com/daschewie/embedctl/pkg/memory"
)

// operation selects which of the algorithm's entry points Init/UnInit
// prepare the MCU-specific peripherals for.
type operation uint32

const (
	OpErase   operation = 1
	OpProgram operation = 2
	OpVerify  operation = 3
)

// defaultCallTimeout bounds Init/UnInit calls, for which the algorithm
// declares no per-operation timeout of its own.
const defaultCallTimeout = 2 * time.Second

// Progress receives advisory notifications as a plan executes. Every
// field is optional; nil funcs are skipped. None of them affect
// correctness or ordering.
type Progress struct {
	EraseStarted    func()
	SectorErased    func(size uint32, elapsed time.Duration)
	EraseFinished   func()
	ProgramStarted  func()
	PageProgrammed  func(size uint32, elapsed time.Duration)
	ProgramFinished func()
}

func (p *Progress) eraseStarted() {
	if p != nil && p.EraseStarted != nil {
		p.EraseStarted()
	}
}

func (p *Progress) sectorErased(size uint32, elapsed time.Duration) {
	if p != nil && p.SectorErased != nil {
		p.SectorErased(size, elapsed)
	}
}

func (p *Progress) eraseFinished() {
	if p != nil && p.EraseFinished != nil {
		p.EraseFinished()
	}
}

func (p *Progress) programStarted() {
	if p != nil && p.ProgramStarted != nil {
		p.ProgramStarted()
	}
}

func (p *Progress) pageProgrammed(size uint32, elapsed time.Duration) {
	if p != nil && p.PageProgrammed != nil {
		p.PageProgrammed(size, elapsed)
	}
}

func (p *Progress) programFinished() {
	if p != nil && p.ProgramFinished != nil {
		p.ProgramFinished()
	}
}

// Flasher owns one assembled algorithm loaded against one core.
type Flasher struct {
	core *core.Core
	mem  *memory.Interface
	algo *flashalgo.Assembled

	initialized bool
}

// New returns a Flasher bound to an already-halted core.
func New(c *core.Core, mem *memory.Interface, algo *flashalgo.Assembled) *Flasher {
	return &Flasher{core: c, mem: mem, algo: algo}
}

// programPageTimeout returns the algorithm's declared per-page program
// timeout, or the default when the target description omits one.
func (f *Flasher) programPageTimeout() time.Duration {
	if ms := f.algo.Raw.FlashProperties.ProgramPageTimeoutMS; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultCallTimeout
}

// eraseSectorTimeout returns the algorithm's declared per-sector erase
// timeout, or the default when the target description omits one.
func (f *Flasher) eraseSectorTimeout() time.Duration {
	if ms := f.algo.Raw.FlashProperties.EraseSectorTimeoutMS; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultCallTimeout
}

// Init loads the algorithm's instructions into RAM and, if the
// algorithm defines an Init function, calls it for op. A byte-for-byte read-back of the loaded
// instructions is performed before anything runs; skipping it hides
// most flashing-fails-silently bugs.
func (f *Flasher) Init(ctx context.Context, op operation) error {
	if err := f.mem.WriteBlock(f.algo.LoadAddress, f.algo.Instructions); err != nil {
		return dberr.Wrap(dberr.KindTransport, "flasher.Init", "load algorithm instructions", err)
	}

	readBack, err := f.mem.ReadBlock(f.algo.LoadAddress, len(f.algo.Instructions))
	if err != nil {
		return dberr.Wrap(dberr.KindTransport, "flasher.Init", "read back algorithm instructions", err)
	}
	if !bytesEqual(readBack, f.algo.Instructions) {
		return dberr.New(dberr.KindVerificationFailure, "flasher.Init", "algorithm instructions did not verify after load")
	}

	if entry := f.algo.EntryInit(); entry != 0 {
		if err := f.callFunction(ctx, entry, f.algo.Raw.FlashProperties.AddressRange[0], 0, uint32(op), 0, true, defaultCallTimeout); err != nil {
			return dberr.Wrap(dberr.KindAlgorithmFailure, "flasher.Init", "algorithm Init call", err)
		}
	}
	f.initialized = true
	return nil
}

// UnInit calls the algorithm's UnInit function if it defines one. A
// non-zero return surfaces as an error but is never retried.
func (f *Flasher) UnInit(ctx context.Context, op operation) error {
	if !f.initialized {
		return nil
	}
	if entry := f.algo.EntryUnInit(); entry != 0 {
		if err := f.callFunction(ctx, entry, uint32(op), 0, 0, 0, false, defaultCallTimeout); err != nil {
			return dberr.Wrap(dberr.KindAlgorithmFailure, "flasher.UnInit", "algorithm UnInit call", err)
		}
	}
	f.initialized = false
	return nil
}

// EraseAll calls the algorithm's chip-erase routine. Callers must check
// SupportsChipErase first; this returns an error if the algorithm has
// none.
func (f *Flasher) EraseAll(ctx context.Context) error {
	entry := f.algo.EntryEraseAll()
	if entry == 0 {
		return dberr.New(dberr.KindInvariant, "flasher.EraseAll", "algorithm has no chip-erase routine")
	}
	if err := f.callFunction(ctx, entry, 0, 0, 0, 0, false, f.eraseSectorTimeout()); err != nil {
		return dberr.Wrap(dberr.KindAlgorithmFailure, "flasher.EraseAll", "algorithm EraseAll call", err)
	}
	return nil
}

// EraseSector erases the sector starting at address.
func (f *Flasher) EraseSector(ctx context.Context, address uint32) error {
	if err := f.callFunction(ctx, f.algo.EntryEraseSector(), address, 0, 0, 0, false, f.eraseSectorTimeout()); err != nil {
		return dberr.Wrap(dberr.KindAlgorithmFailure, "flasher.EraseSector", fmt.Sprintf("erase sector at 0x%08X", address), err)
	}
	return nil
}

// ProgramPage writes data (exactly one page) to the buffer and calls
// ProgramPage for address. Single-buffer path: load then call, no
// overlap with the next page's load.
func (f *Flasher) ProgramPage(ctx context.Context, address uint32, data []byte) error {
	buffer := f.algo.PageBuffers[0]
	if err := f.loadPageBuffer(buffer, data); err != nil {
		return err
	}
	if err := f.callFunction(ctx, f.algo.EntryProgramPage(), address, uint32(len(data)), buffer, 0, false, f.programPageTimeout()); err != nil {
		return dberr.Wrap(dberr.KindAlgorithmFailure, "flasher.ProgramPage", fmt.Sprintf("program page at 0x%08X", address), err)
	}
	return nil
}

// Page is one address/data pair handed to ProgramPages.
type Page struct {
	Address uint32
	Data    []byte
}

// ProgramPages runs the double-buffered program-page protocol when the
// algorithm was assembled with two page buffers: while the algorithm
// executes ProgramPage against buffer N, the host loads page N+1 into
// the other buffer, so the link's transfer time and the flash write
// time overlap instead of serializing. Falls back to the single-buffer
// path if only one buffer is available. The first page that fails
// aborts the remainder of the sequence.
func (f *Flasher) ProgramPages(ctx context.Context, pages []Page, progress *Progress) error {
	if len(pages) == 0 {
		return nil
	}

	if len(f.algo.PageBuffers) < 2 {
		for _, p := range pages {
			start := time.Now()
			if err := f.ProgramPage(ctx, p.Address, p.Data); err != nil {
				return err
			}
			progress.pageProgrammed(uint32(len(p.Data)), time.Since(start))
		}
		return nil
	}

	buffers := f.algo.PageBuffers
	if err := f.loadPageBuffer(buffers[0], pages[0].Data); err != nil {
		return err
	}

	for i, p := range pages {
		start := time.Now()
		activeBuf := buffers[i%2]
		if err := f.startProgramPage(p.Address, uint32(len(p.Data)), activeBuf); err != nil {
			return dberr.Wrap(dberr.KindAlgorithmFailure, "flasher.ProgramPages", fmt.Sprintf("start program page at 0x%08X", p.Address), err)
		}

		if i+1 < len(pages) {
			nextBuf := buffers[(i+1)%2]
			if err := f.loadPageBuffer(nextBuf, pages[i+1].Data); err != nil {
				return err
			}
		}

		if err := f.waitForCompletion(ctx, f.programPageTimeout()); err != nil {
			return dberr.Wrap(dberr.KindAlgorithmFailure, "flasher.ProgramPages", fmt.Sprintf("program page at 0x%08X did not complete", p.Address), err)
		}
		progress.pageProgrammed(uint32(len(p.Data)), time.Since(start))
	}
	return nil
}

// Execute applies a whole plan: erase (chip-wide if chipErase and the
// algorithm supports it, per-sector otherwise, skipping sectors with no
// pages), then program every page in order. The caller is responsible
// for Init/UnInit bracketing and for any post-program verification.
func (f *Flasher) Execute(ctx context.Context, plan *flashbuilder.Plan, chipErase bool, progress *Progress) error {
	progress.eraseStarted()
	if chipErase && f.algo.SupportsChipErase() {
		start := time.Now()
		if err := f.EraseAll(ctx); err != nil {
			return err
		}
		var total uint32
		for _, s := range plan.Sectors {
			total += s.Size
		}
		progress.sectorErased(total, time.Since(start))
	} else {
		for _, sector := range plan.Sectors {
			if len(sector.Pages) == 0 {
				continue
			}
			start := time.Now()
			if err := f.EraseSector(ctx, sector.Base); err != nil {
				return err
			}
			progress.sectorErased(sector.Size, time.Since(start))
		}
	}
	progress.eraseFinished()

	progress.programStarted()
	var pages []Page
	for _, sector := range plan.Sectors {
		for _, p := range sector.Pages {
			pages = append(pages, Page{Address: p.Address, Data: p.Data})
		}
	}
	if err := f.ProgramPages(ctx, pages, progress); err != nil {
		return err
	}
	progress.programFinished()
	return nil
}

func (f *Flasher) loadPageBuffer(buffer uint32, data []byte) error {
	if err := f.mem.WriteBlock(buffer, data); err != nil {
		return dberr.Wrap(dberr.KindTransport, "flasher.loadPageBuffer", "load page buffer", err)
	}
	return nil
}

// callFunction seeds PC/R0/R1/R2/R3/SP/LR, runs to the trampoline
// breakpoint, then waits for completion and checks R0 for a nonzero
// result.
func (f *Flasher) callFunction(ctx context.Context, entry, r0, r1, r2, r3 uint32, isInit bool, timeout time.Duration) error {
	if err := f.startFunction(entry, r0, r1, r2, r3, isInit); err != nil {
		return err
	}
	return f.waitForCompletion(ctx, timeout)
}

func (f *Flasher) startFunction(entry, r0, r1, r2, r3 uint32, isInit bool) error {
	if err := f.core.SetPC(entry); err != nil {
		return dberr.Wrap(dberr.KindTransport, "flasher.startFunction", "seed PC", err)
	}
	if err := f.core.WriteCoreRegister(0, r0); err != nil {
		return dberr.Wrap(dberr.KindTransport, "flasher.startFunction", "seed R0", err)
	}
	if err := f.core.WriteCoreRegister(1, r1); err != nil {
		return dberr.Wrap(dberr.KindTransport, "flasher.startFunction", "seed R1", err)
	}
	if err := f.core.WriteCoreRegister(2, r2); err != nil {
		return dberr.Wrap(dberr.KindTransport, "flasher.startFunction", "seed R2", err)
	}
	if err := f.core.WriteCoreRegister(3, r3); err != nil {
		return dberr.Wrap(dberr.KindTransport, "flasher.startFunction", "seed R3", err)
	}
	if isInit {
		if err := f.core.WriteCoreRegister(9, f.algo.StaticBase); err != nil {
			return dberr.Wrap(dberr.KindTransport, "flasher.startFunction", "seed R9 (static base)", err)
		}
		if err := f.core.SetSP(f.algo.StackTop); err != nil {
			return dberr.Wrap(dberr.KindTransport, "flasher.startFunction", "seed SP", err)
		}
	}
	// LR points one past the entry trampoline (bit 0 set for Thumb),
	// so the algorithm's BX LR traps into the header breakpoint.
	if err := f.core.WriteCoreRegister(14, f.algo.LoadAddress|1); err != nil {
		return dberr.Wrap(dberr.KindTransport, "flasher.startFunction", "seed LR", err)
	}
	return f.core.Run(context.Background())
}

func (f *Flasher) startProgramPage(address, length, buffer uint32) error {
	return f.startFunction(f.algo.EntryProgramPage(), address, length, buffer, 0, false)
}

// waitForCompletion polls until the algorithm call returns to the
// trampoline breakpoint, then checks R0. A cancelled caller context
// halts the core before returning, so a cancelled flash operation never
// leaves the algorithm running unattended.
func (f *Flasher) waitForCompletion(ctx context.Context, timeout time.Duration) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		status, err := f.core.Status(timeoutCtx)
		if err != nil {
			return err
		}
		if !status.Running {
			break
		}
		select {
		case <-timeoutCtx.Done():
			haltCtx, haltCancel := context.WithTimeout(context.Background(), defaultCallTimeout)
			f.core.Halt(haltCtx)
			haltCancel()
			return dberr.FromContext("flasher.waitForCompletion", "algorithm call did not return", timeoutCtx.Err())
		case <-time.After(time.Millisecond):
		}
	}

	result, err := f.core.ReadCoreRegister(0)
	if err != nil {
		return dberr.Wrap(dberr.KindTransport, "flasher.waitForCompletion", "read result register", err)
	}
	if result != 0 {
		return dberr.New(dberr.KindAlgorithmFailure, "flasher.waitForCompletion", fmt.Sprintf("algorithm returned error code %d", result))
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
