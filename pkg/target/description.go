// Package target models per-chip descriptions (cores, memory map, flash
// algorithms, RTT scan ranges) and the process-wide registry they load
// into, one YAML file per chip.
package target

import (
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/daschewie/embedctl/pkg/core"
	"github.com/daschewie/embedctl/pkg/dberr"
	"github.com/daschewie/embedctl/pkg/flashalgo"
	"go.yaml.in/yaml/v3"
)

// RegionKind tags a memory region as erasable flash or plain RAM.
type RegionKind string

const (
	RegionFlash RegionKind = "flash"
	RegionRAM   RegionKind = "ram"
)

// MemoryRegion is one [Start, End) range of the target's address space.
type MemoryRegion struct {
	Name         string     `yaml:"name"`
	Kind         RegionKind `yaml:"kind"`
	Start        uint32     `yaml:"start"`
	End          uint32     `yaml:"end"`
	IsBootMemory bool       `yaml:"is_boot_memory"`
}

// Contains reports whether [addr, addr+length) lies inside the region.
func (r MemoryRegion) Contains(addr uint32, length int) bool {
	return addr >= r.Start && uint64(addr)+uint64(length) <= uint64(r.End)
}

// CoreDescription names one core and its debug register layout family.
type CoreDescription struct {
	Name string
	Kind core.Kind
}

// UnmarshalYAML maps the description file's kind string onto core.Kind.
func (c *CoreDescription) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		Name string `yaml:"name"`
		Kind string `yaml:"kind"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	c.Name = aux.Name
	switch aux.Kind {
	case "m0", "m0plus":
		c.Kind = core.KindM0
	case "m3", "m4", "m7", "m33", "m3m4m7":
		c.Kind = core.KindM3M4M7
	default:
		return fmt.Errorf("unknown core kind %q (want m0, m0plus, m3, m4, m7, m33, or m3m4m7)", aux.Kind)
	}
	return nil
}

// InstructionBlob is the algorithm's position-independent code,
// base64-encoded in the YAML file, decoded here into the little-endian
// instruction words flashalgo.Raw wants.
type InstructionBlob []uint32

func (b *InstructionBlob) UnmarshalYAML(value *yaml.Node) error {
	var encoded string
	if err := value.Decode(&encoded); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("instructions are not valid base64: %w", err)
	}
	if len(raw)%4 != 0 {
		return fmt.Errorf("instruction blob length %d is not a multiple of 4", len(raw))
	}
	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
	}
	*b = words
	return nil
}

// SectorDescriptor mirrors flashalgo.SectorDescriptor in YAML form.
type SectorDescriptor struct {
	Offset uint32 `yaml:"offset"`
	Size   uint32 `yaml:"size"`
}

// FlashProperties mirrors flashalgo.Properties in YAML form.
type FlashProperties struct {
	AddressRangeStart    uint32             `yaml:"address_range_start"`
	AddressRangeEnd      uint32             `yaml:"address_range_end"`
	PageSize             uint32             `yaml:"page_size"`
	ErasedByteValue      byte               `yaml:"erased_byte_value"`
	ProgramPageTimeoutMS uint32             `yaml:"program_page_timeout_ms"`
	EraseSectorTimeoutMS uint32             `yaml:"erase_sector_timeout_ms"`
	Sectors              []SectorDescriptor `yaml:"sectors"`
}

// FlashAlgorithm is a raw flash algorithm as it appears in a target
// description file: the vendor's blob plus entry-point offsets into it.
type FlashAlgorithm struct {
	Name              string          `yaml:"name"`
	Instructions      InstructionBlob `yaml:"instructions"`
	PCInit            uint32          `yaml:"pc_init"`
	PCUnInit          uint32          `yaml:"pc_uninit"`
	PCProgramPage     uint32          `yaml:"pc_program_page"`
	PCEraseSector     uint32          `yaml:"pc_erase_sector"`
	PCEraseAll        uint32          `yaml:"pc_erase_all"`
	DataSectionOffset uint32          `yaml:"data_section_offset"`
	StackSize         uint32          `yaml:"stack_size"`
	LoadAddress       uint32          `yaml:"load_address"`
	FlashProperties   FlashProperties `yaml:"flash_properties"`
}

// ToRawAlgorithm converts the YAML form into the flashalgo.Raw that
// flashalgo.Assemble consumes.
func (f FlashAlgorithm) ToRawAlgorithm() flashalgo.Raw {
	sectors := make([]flashalgo.SectorDescriptor, len(f.FlashProperties.Sectors))
	for i, s := range f.FlashProperties.Sectors {
		sectors[i] = flashalgo.SectorDescriptor{Offset: s.Offset, Size: s.Size}
	}
	return flashalgo.Raw{
		Name:              f.Name,
		Instructions:      []uint32(f.Instructions),
		PCInit:            f.PCInit,
		PCUnInit:          f.PCUnInit,
		PCProgramPage:     f.PCProgramPage,
		PCEraseSector:     f.PCEraseSector,
		PCEraseAll:        f.PCEraseAll,
		DataSectionOffset: f.DataSectionOffset,
		StackSize:         f.StackSize,
		LoadAddress:       f.LoadAddress,
		FlashProperties: flashalgo.Properties{
			AddressRange:         [2]uint32{f.FlashProperties.AddressRangeStart, f.FlashProperties.AddressRangeEnd},
			PageSize:             f.FlashProperties.PageSize,
			Sectors:              sectors,
			ErasedByteValue:      f.FlashProperties.ErasedByteValue,
			ProgramPageTimeoutMS: f.FlashProperties.ProgramPageTimeoutMS,
			EraseSectorTimeoutMS: f.FlashProperties.EraseSectorTimeoutMS,
		},
	}
}

// ScanRange is one candidate address range for the RTT control-block
// search.
type ScanRange struct {
	Start uint32 `yaml:"start"`
	End   uint32 `yaml:"end"`
}

// Description is one chip's complete debug-relevant description.
type Description struct {
	Name            string            `yaml:"name"`
	Cores           []CoreDescription `yaml:"cores"`
	MemoryRegions   []MemoryRegion    `yaml:"memory_regions"`
	FlashAlgorithms []FlashAlgorithm  `yaml:"flash_algorithms"`
	RTTScanRanges   []ScanRange       `yaml:"rtt_scan_ranges"`
	VendorSequence  string            `yaml:"vendor_sequence"`
}

// RAMRegion returns the first RAM region as the flashalgo.RAMRegion a
// flash algorithm gets assembled into.
func (d *Description) RAMRegion() (flashalgo.RAMRegion, error) {
	for _, r := range d.MemoryRegions {
		if r.Kind == RegionRAM {
			return flashalgo.RAMRegion{Start: r.Start, End: r.End}, nil
		}
	}
	return flashalgo.RAMRegion{}, dberr.New(dberr.KindInvariant, "target.RAMRegion", fmt.Sprintf("target %q has no RAM region", d.Name))
}

// FlashRegions returns every region tagged as flash, in address order.
func (d *Description) FlashRegions() []MemoryRegion {
	var out []MemoryRegion
	for _, r := range d.MemoryRegions {
		if r.Kind == RegionFlash {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Validate checks the invariants every downstream consumer (session
// setup, flash planning, RTT scanning) depends on, so a malformed
// description fails at registry-load time instead of mid-flash.
func (d *Description) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return dberr.New(dberr.KindInvariant, "target.Validate", fmt.Sprintf(format, args...))
	}

	if d.Name == "" {
		return fail("description has no name")
	}
	if len(d.Cores) == 0 {
		return fail("target %q declares no cores", d.Name)
	}
	if len(d.MemoryRegions) == 0 {
		return fail("target %q declares no memory regions", d.Name)
	}

	regions := make([]MemoryRegion, len(d.MemoryRegions))
	copy(regions, d.MemoryRegions)
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	for i, r := range regions {
		if r.Name == "" {
			return fail("target %q has an unnamed memory region at 0x%08X", d.Name, r.Start)
		}
		if r.Kind != RegionFlash && r.Kind != RegionRAM {
			return fail("region %q has unknown kind %q (want flash or ram)", r.Name, r.Kind)
		}
		if r.End <= r.Start {
			return fail("region %q has empty or inverted range [0x%08X, 0x%08X)", r.Name, r.Start, r.End)
		}
		if i > 0 && r.Start < regions[i-1].End {
			return fail("regions %q and %q overlap", regions[i-1].Name, r.Name)
		}
	}

	hasRAM := false
	for _, r := range d.MemoryRegions {
		if r.Kind == RegionRAM {
			hasRAM = true
		}
	}
	if !hasRAM {
		return fail("target %q has no RAM region for flash algorithm staging", d.Name)
	}

	for _, algo := range d.FlashAlgorithms {
		if err := validateAlgorithm(d.Name, algo); err != nil {
			return err
		}
	}

	for _, sr := range d.RTTScanRanges {
		if sr.End <= sr.Start {
			return fail("rtt scan range [0x%08X, 0x%08X) is empty or inverted", sr.Start, sr.End)
		}
	}

	return nil
}

func validateAlgorithm(targetName string, algo FlashAlgorithm) error {
	fail := func(format string, args ...interface{}) error {
		return dberr.New(dberr.KindInvariant, "target.Validate", fmt.Sprintf(format, args...))
	}

	if algo.Name == "" {
		return fail("target %q has an unnamed flash algorithm", targetName)
	}
	if len(algo.Instructions) == 0 {
		return fail("flash algorithm %q has no instructions", algo.Name)
	}

	codeBytes := uint32(len(algo.Instructions) * 4)
	// PCInit and PCEraseAll may be 0 (absent); every present entry
	// point must land inside the blob.
	for _, e := range []struct {
		name     string
		offset   uint32
		optional bool
	}{
		{"pc_uninit", algo.PCUnInit, false},
		{"pc_program_page", algo.PCProgramPage, false},
		{"pc_erase_sector", algo.PCEraseSector, false},
		{"pc_init", algo.PCInit, true},
		{"pc_erase_all", algo.PCEraseAll, true},
	} {
		if e.optional && e.offset == 0 {
			continue
		}
		if e.offset >= codeBytes {
			return fail("flash algorithm %q entry %s (0x%X) lies outside its %d-byte blob", algo.Name, e.name, e.offset, codeBytes)
		}
	}
	if algo.PCProgramPage == algo.PCEraseSector {
		return fail("flash algorithm %q has identical program-page and erase-sector entry points", algo.Name)
	}

	p := algo.FlashProperties
	if p.AddressRangeEnd <= p.AddressRangeStart {
		return fail("flash algorithm %q covers an empty address range", algo.Name)
	}
	if p.PageSize == 0 {
		return fail("flash algorithm %q has a zero page size", algo.Name)
	}
	if len(p.Sectors) == 0 {
		return fail("flash algorithm %q declares no sector descriptors", algo.Name)
	}
	for i, s := range p.Sectors {
		if s.Size == 0 {
			return fail("flash algorithm %q sector run %d has zero size", algo.Name, i)
		}
		if s.Size%p.PageSize != 0 {
			return fail("flash algorithm %q sector size %d is not a multiple of page size %d", algo.Name, s.Size, p.PageSize)
		}
		if i > 0 && s.Offset <= p.Sectors[i-1].Offset {
			return fail("flash algorithm %q sector offsets are not strictly increasing", algo.Name)
		}
	}
	if p.Sectors[0].Offset != 0 {
		return fail("flash algorithm %q first sector run must start at offset 0", algo.Name)
	}

	return nil
}

// Parse unmarshals and validates one target description document.
func Parse(data []byte) (*Description, error) {
	var desc Description
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, dberr.Wrap(dberr.KindInvariant, "target.Parse", "malformed target description YAML", err)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &desc, nil
}
