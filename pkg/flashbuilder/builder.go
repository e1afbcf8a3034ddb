// Package flashbuilder turns a scattered set of (address, bytes) writes
// into an ordered plan of sector erases and page programs.
package flashbuilder

import (
	"fmt"
	"sort"

	"github.com/daschewie/embedctl/pkg/dberr"
	"github.com/daschewie/embedctl/pkg/flashalgo"
)

// writeData is one caller-supplied (address, bytes) write; the builder
// keeps the set sorted by address.
type writeData struct {
	Address uint32
	Data    []byte
}

// Builder accumulates writes and turns them into a Plan.
type Builder struct {
	writes []writeData
}

// New returns an empty Builder.
func New() *Builder { return &Builder{} }

// AddData inserts one write in address order and rejects it if it
// overlaps any previously added write, matching add_data's binary
// search + overlap check.
func (b *Builder) AddData(address uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	end := address + uint32(len(data))

	idx := sort.Search(len(b.writes), func(i int) bool { return b.writes[i].Address >= address })

	if idx > 0 {
		prev := b.writes[idx-1]
		if prev.Address+uint32(len(prev.Data)) > address {
			return dberr.New(dberr.KindInvariant, "flashbuilder.AddData", fmt.Sprintf("write at 0x%08X overlaps previous write at 0x%08X", address, prev.Address))
		}
	}
	if idx < len(b.writes) {
		next := b.writes[idx]
		if end > next.Address {
			return dberr.New(dberr.KindInvariant, "flashbuilder.AddData", fmt.Sprintf("write at 0x%08X overlaps following write at 0x%08X", address, next.Address))
		}
	}

	b.writes = append(b.writes, writeData{})
	copy(b.writes[idx+1:], b.writes[idx:])
	b.writes[idx] = writeData{Address: address, Data: data}
	return nil
}

// Page is one program-page worth of bytes to write, already padded out
// to the algorithm's page size.
type Page struct {
	Address uint32
	Data    []byte
}

// Sector is one erase sector and the pages within it that need writing.
type Sector struct {
	Base  uint32
	Size  uint32
	Pages []Page
}

// Plan is the fully resolved sequence of sector erases and page
// programs needed to apply every write added to the Builder.
type Plan struct {
	Sectors []Sector
}

// ReadBlockFunc reads length bytes of current flash contents at
// address, used to preserve the untouched region of a partially
// written page when restoreUnwrittenBytes is requested.
type ReadBlockFunc func(address uint32, length int) ([]byte, error)

// Build walks every added write and lazily creates the sectors and
// pages it touches: a write can span multiple pages and multiple
// sectors, and two writes can land in the same page without either
// being re-read from flash.
func (b *Builder) Build(props flashalgo.Properties, restoreUnwrittenBytes bool, readBlock ReadBlockFunc) (*Plan, error) {
	sectorsByBase := map[uint32]*Sector{}
	var sectorOrder []uint32
	pagesByBase := map[uint32]*Page{}
	var pageOrder []uint32

	getSector := func(address uint32) (*Sector, error) {
		info, err := props.SectorInfo(address)
		if err != nil {
			return nil, dberr.Wrap(dberr.KindInvariant, "flashbuilder.Build", "resolve sector", err)
		}
		s, ok := sectorsByBase[info.Base]
		if !ok {
			s = &Sector{Base: info.Base, Size: info.Size}
			sectorsByBase[info.Base] = s
			sectorOrder = append(sectorOrder, info.Base)
		}
		return s, nil
	}

	getPage := func(address uint32) (*Page, error) {
		info, err := props.PageInfo(address)
		if err != nil {
			return nil, dberr.Wrap(dberr.KindInvariant, "flashbuilder.Build", "resolve page", err)
		}
		p, ok := pagesByBase[info.Base]
		if !ok {
			var fill []byte
			if restoreUnwrittenBytes && readBlock != nil {
				fill, err = readBlock(info.Base, int(info.Size))
				if err != nil {
					return nil, dberr.Wrap(dberr.KindTransport, "flashbuilder.Build", "read unwritten page bytes", err)
				}
			} else {
				fill = make([]byte, info.Size)
				for i := range fill {
					fill[i] = props.ErasedByteValue
				}
			}
			p = &Page{Address: info.Base, Data: fill}
			pagesByBase[info.Base] = p
			pageOrder = append(pageOrder, info.Base)
		}
		return p, nil
	}

	for _, w := range b.writes {
		remaining := w.Data
		addr := w.Address
		for len(remaining) > 0 {
			if _, err := getSector(addr); err != nil {
				return nil, err
			}
			page, err := getPage(addr)
			if err != nil {
				return nil, err
			}

			offsetInPage := addr - page.Address
			n := uint32(len(page.Data)) - offsetInPage
			if n > uint32(len(remaining)) {
				n = uint32(len(remaining))
			}
			copy(page.Data[offsetInPage:offsetInPage+n], remaining[:n])

			remaining = remaining[n:]
			addr += n
		}
	}

	plan := &Plan{}
	for _, base := range sectorOrder {
		plan.Sectors = append(plan.Sectors, *sectorsByBase[base])
	}
	for _, base := range pageOrder {
		page := *pagesByBase[base]
		info, err := props.SectorInfo(page.Address)
		if err != nil {
			return nil, err
		}
		for i := range plan.Sectors {
			if plan.Sectors[i].Base == info.Base {
				plan.Sectors[i].Pages = append(plan.Sectors[i].Pages, page)
				break
			}
		}
	}

	for i := range plan.Sectors {
		sort.Slice(plan.Sectors[i].Pages, func(a, c int) bool {
			return plan.Sectors[i].Pages[a].Address < plan.Sectors[i].Pages[c].Address
		})
	}
	sort.Slice(plan.Sectors, func(a, c int) bool { return plan.Sectors[a].Base < plan.Sectors[c].Base })

	return plan, nil
}
