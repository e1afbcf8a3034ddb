// Package flashalgo loads and assembles position-independent flash
// algorithm blobs into a target RAM region, ready for the flasher to
// call.
package flashalgo

import (
	"fmt"

	"github.com/daschewie/embedctl/pkg/dberr"
)

// flashAlgoMinStackSize is the minimum RAM reserved for the algorithm's
// call stack when the target description requests none.
const flashAlgoMinStackSize = 512

// armFlashBlobHeader is prepended to every ARM flash algorithm's
// instruction stream: a small trampoline that traps back into the
// debugger after the algorithm's entry function returns. These are the
// standard CMSIS-Pack loader header words.
var armFlashBlobHeader = [8]uint32{
	0xE00ABE00, 0x062D780D, 0x24084068, 0xD3000040,
	0x1E644058, 0x1C49D1FA, 0x2A001E52, 0x04770D1F,
}

// SectorDescriptor describes one contiguous run of same-size erase
// sectors within the flash region, e.g. "the first 16 sectors are 1KB,
// the rest are 64KB".
type SectorDescriptor struct {
	Size uint32 // erase granularity in bytes for this run
	// Offset is this run's start address relative to the region base.
	Offset uint32
}

// SectorInfo is the resolved sector containing a given address.
type SectorInfo struct {
	Base uint32
	Size uint32
}

// PageInfo is the resolved program-page containing a given address.
type PageInfo struct {
	Base uint32
	Size uint32
}

// Properties describes the flash region an algorithm programs.
type Properties struct {
	AddressRange   [2]uint32 // [start, end)
	PageSize       uint32
	Sectors        []SectorDescriptor // sorted by Offset ascending
	ErasedByteValue byte
	ProgramPageTimeoutMS uint32
	EraseSectorTimeoutMS uint32
}

// SectorInfo returns the sector containing address, or an error if
// address lies outside the flash region. Replicates
// FlashAlgorithm::sector_info: walk sector-size runs in order, the last
// run whose Offset <= address - range.start wins, and its size divides
// the remaining distance to find the sector base.
func (p Properties) SectorInfo(address uint32) (SectorInfo, error) {
	if address < p.AddressRange[0] || address >= p.AddressRange[1] {
		return SectorInfo{}, dberr.New(dberr.KindInvariant, "flashalgo.SectorInfo", fmt.Sprintf("address 0x%08X outside flash region", address))
	}
	relative := address - p.AddressRange[0]

	var chosen SectorDescriptor
	found := false
	for _, s := range p.Sectors {
		if s.Offset <= relative {
			chosen = s
			found = true
		} else {
			break
		}
	}
	if !found {
		return SectorInfo{}, dberr.New(dberr.KindInvariant, "flashalgo.SectorInfo", "no sector descriptor covers this address")
	}

	offsetIntoRun := relative - chosen.Offset
	sectorIndex := offsetIntoRun / chosen.Size
	base := p.AddressRange[0] + chosen.Offset + sectorIndex*chosen.Size
	return SectorInfo{Base: base, Size: chosen.Size}, nil
}

// PageInfo returns the fixed-size program page containing address.
func (p Properties) PageInfo(address uint32) (PageInfo, error) {
	if address < p.AddressRange[0] || address >= p.AddressRange[1] {
		return PageInfo{}, dberr.New(dberr.KindInvariant, "flashalgo.PageInfo", fmt.Sprintf("address 0x%08X outside flash region", address))
	}
	relative := address - p.AddressRange[0]
	index := relative / p.PageSize
	return PageInfo{Base: p.AddressRange[0] + index*p.PageSize, Size: p.PageSize}, nil
}

// IterSectors yields every sector in the flash region in order.
func (p Properties) IterSectors() []SectorInfo {
	var out []SectorInfo
	addr := p.AddressRange[0]
	for addr < p.AddressRange[1] {
		info, err := p.SectorInfo(addr)
		if err != nil {
			break
		}
		out = append(out, info)
		addr = info.Base + info.Size
	}
	return out
}

// IsErased reports whether data consists entirely of ErasedByteValue.
func (p Properties) IsErased(data []byte) bool {
	for _, b := range data {
		if b != p.ErasedByteValue {
			return false
		}
	}
	return true
}

// Raw is a flash algorithm exactly as loaded from a target description:
// unrelocated instruction bytes plus the entry-point offsets into them.
type Raw struct {
	Name             string
	Instructions     []uint32 // little-endian Thumb/ARM instruction words
	PCInit           uint32   // offset of Init, 0 if absent
	PCUnInit         uint32
	PCProgramPage    uint32
	PCEraseSector    uint32
	PCEraseAll       uint32 // 0 if the algorithm has no chip-erase routine
	DataSectionOffset uint32
	StackSize        uint32 // 0 selects flashAlgoMinStackSize
	FlashProperties  Properties
	LoadAddress      uint32 // address of the first instruction word; 0 places the header at ram.Start
}

// RAMRegion is the region of target RAM the algorithm is assembled
// into: code, stack, and the one-or-two page buffers all live here.
type RAMRegion struct {
	Start, End uint32
}

// Assembled is a Raw algorithm relocated into a specific RAM region,
// ready to be written to target memory and called.
type Assembled struct {
	Raw *Raw

	LoadAddress  uint32
	CodeStart    uint32
	CodeEnd      uint32
	StaticBase   uint32
	StackTop     uint32

	PageBuffers  []uint32 // one entry, or two when double-buffering fits
	Instructions []byte   // header + Raw.Instructions, little-endian bytes

	entryInit, entryUninit, entryProgramPage, entryEraseSector, entryEraseAll uint32
}

// Assemble lays out algo into ram: the algorithm's own code starts at
// Raw.LoadAddress with the header immediately below it (or, when
// Raw.LoadAddress is 0, the header starts at ram.Start), the stack
// grows down from CodeEnd+StackSize, and one PageSize page buffer
// starts at the stack top (a second one directly after it is only
// carved out if it still fits, enabling double-buffered programming).
func Assemble(algo *Raw, ram RAMRegion) (*Assembled, error) {
	return AssembleWithDataRAM(algo, ram, ram)
}

// AssembleWithDataRAM is Assemble for targets whose page buffers live
// in a different RAM region than the algorithm code (dual-bank SRAM
// parts): the buffers go at the start of dataRAM and the stack sits at
// the top of the code region instead of below the buffers.
func AssembleWithDataRAM(algo *Raw, ram, dataRAM RAMRegion) (*Assembled, error) {
	headerBytes := len(armFlashBlobHeader) * 4
	loadAddress := ram.Start
	if algo.LoadAddress != 0 {
		if algo.LoadAddress < ram.Start+uint32(headerBytes) {
			return nil, dberr.New(dberr.KindInvariant, "flashalgo.Assemble", "load address below RAM region start")
		}
		loadAddress = algo.LoadAddress - uint32(headerBytes)
	}

	codeStart := loadAddress + uint32(headerBytes)
	codeEnd := codeStart + uint32(len(algo.Instructions)*4)

	stackSize := algo.StackSize
	if stackSize == 0 {
		stackSize = flashAlgoMinStackSize
	}

	pageSize := algo.FlashProperties.PageSize
	var stackTop uint32
	var buffers []uint32

	if dataRAM == ram {
		stackTop = codeEnd + stackSize
		if stackTop > ram.End {
			return nil, dberr.New(dberr.KindInvariant, "flashalgo.Assemble", "algorithm code and stack do not fit in RAM region")
		}
		if ram.End-stackTop < pageSize {
			return nil, dberr.New(dberr.KindInvariant, "flashalgo.Assemble", "no room left for a page buffer")
		}

		firstBuffer := stackTop
		buffers = []uint32{firstBuffer}
		if firstBuffer+2*pageSize <= ram.End {
			buffers = append(buffers, firstBuffer+pageSize)
		}
	} else {
		stackTop = ram.End
		if codeEnd > ram.End || stackTop-codeEnd < stackSize {
			return nil, dberr.New(dberr.KindInvariant, "flashalgo.Assemble", "algorithm code and stack do not fit in RAM region")
		}
		if dataRAM.End-dataRAM.Start < pageSize {
			return nil, dberr.New(dberr.KindInvariant, "flashalgo.Assemble", "data RAM region too small for a page buffer")
		}

		buffers = []uint32{dataRAM.Start}
		if dataRAM.Start+2*pageSize <= dataRAM.End {
			buffers = append(buffers, dataRAM.Start+pageSize)
		}
	}

	instructions := make([]byte, 0, headerBytes+len(algo.Instructions)*4)
	for _, w := range armFlashBlobHeader {
		instructions = appendLE32(instructions, w)
	}
	for _, w := range algo.Instructions {
		instructions = appendLE32(instructions, w)
	}

	entry := func(offset uint32) uint32 {
		if offset == 0 {
			return 0
		}
		return codeStart + offset
	}

	a := &Assembled{
		Raw:          algo,
		LoadAddress:  loadAddress,
		CodeStart:    codeStart,
		CodeEnd:      codeEnd,
		StaticBase:   codeStart + algo.DataSectionOffset,
		StackTop:     stackTop,
		PageBuffers:  buffers,
		Instructions: instructions,

		entryInit:         entry(algo.PCInit),
		entryUninit:       entry(algo.PCUnInit),
		entryProgramPage:  entry(algo.PCProgramPage),
		entryEraseSector:  entry(algo.PCEraseSector),
		entryEraseAll:     entry(algo.PCEraseAll),
	}

	// Every entry point the flasher may seed PC with must land inside
	// the relocated code; a stale offset would execute whatever bytes
	// happen to follow the blob in target RAM. Init/UnInit/EraseAll are
	// optional (0 = absent), the other two are mandatory.
	for _, e := range []struct {
		name     string
		addr     uint32
		optional bool
	}{
		{"ProgramPage", a.entryProgramPage, false},
		{"EraseSector", a.entryEraseSector, false},
		{"Init", a.entryInit, true},
		{"UnInit", a.entryUninit, true},
		{"EraseAll", a.entryEraseAll, true},
	} {
		if e.optional && e.addr == 0 {
			continue
		}
		if e.addr < codeStart || e.addr >= codeEnd {
			return nil, dberr.New(dberr.KindInvariant, "flashalgo.Assemble", fmt.Sprintf("%s entry point outside algorithm code", e.name))
		}
	}

	return a, nil
}

func appendLE32(buf []byte, w uint32) []byte {
	return append(buf, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
}

// EntryInit returns the absolute address of the algorithm's Init
// function, or 0 if the algorithm doesn't define one.
func (a *Assembled) EntryInit() uint32 { return a.entryInit }

// EntryUnInit returns the absolute address of the algorithm's UnInit
// function, or 0 if the algorithm doesn't define one.
func (a *Assembled) EntryUnInit() uint32 { return a.entryUninit }

// EntryProgramPage returns the absolute address of ProgramPage.
func (a *Assembled) EntryProgramPage() uint32 { return a.entryProgramPage }

// EntryEraseSector returns the absolute address of EraseSector.
func (a *Assembled) EntryEraseSector() uint32 { return a.entryEraseSector }

// EntryEraseAll returns the absolute address of EraseAll, or 0 if the
// algorithm has no chip-erase routine.
func (a *Assembled) EntryEraseAll() uint32 { return a.entryEraseAll }

// SupportsChipErase reports whether the algorithm defines EraseAll.
func (a *Assembled) SupportsChipErase() bool { return a.entryEraseAll != 0 }
