package flashalgo

import "testing"

func singleSizeProps() Properties {
	return Properties{
		AddressRange:    [2]uint32{0x1000, 0x1000 + 0x1000},
		PageSize:        0x100,
		ErasedByteValue: 0xFF,
		Sectors: []SectorDescriptor{
			{Size: 0x100, Offset: 0x0},
		},
	}
}

func TestFlashSectorSingleSize(t *testing.T) {
	p := singleSizeProps()

	info, err := p.SectorInfo(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if info.Base != 0x1000 || info.Size != 0x100 {
		t.Fatalf("got %+v", info)
	}

	info, err = p.SectorInfo(0x1050)
	if err != nil {
		t.Fatal(err)
	}
	if info.Base != 0x1000 || info.Size != 0x100 {
		t.Fatalf("got %+v, want base 0x1000", info)
	}

	info, err = p.SectorInfo(0x1100)
	if err != nil {
		t.Fatal(err)
	}
	if info.Base != 0x1100 {
		t.Fatalf("got %+v, want base 0x1100", info)
	}

	if _, err := p.SectorInfo(0x2000); err == nil {
		t.Fatal("expected out-of-range error at region end")
	}
}

func TestFlashSectorSingleSizeWeirdSectorSize(t *testing.T) {
	p := singleSizeProps()
	p.Sectors[0].Size = 0x400

	info, err := p.SectorInfo(0x1401)
	if err != nil {
		t.Fatal(err)
	}
	if info.Base != 0x1400 || info.Size != 0x400 {
		t.Fatalf("got %+v", info)
	}
}

func TestFlashSectorMultipleSizes(t *testing.T) {
	p := Properties{
		AddressRange:    [2]uint32{0x0, 0x10000},
		PageSize:        0x100,
		ErasedByteValue: 0xFF,
		Sectors: []SectorDescriptor{
			{Size: 0x1000, Offset: 0x0},
			{Size: 0x2000, Offset: 0x8000},
		},
	}

	info, err := p.SectorInfo(0x500)
	if err != nil {
		t.Fatal(err)
	}
	if info.Base != 0x0 || info.Size != 0x1000 {
		t.Fatalf("got %+v", info)
	}

	info, err = p.SectorInfo(0x9000)
	if err != nil {
		t.Fatal(err)
	}
	if info.Base != 0x8000 || info.Size != 0x2000 {
		t.Fatalf("got %+v", info)
	}
}

func TestFlashSectorMultipleSizesIter(t *testing.T) {
	p := Properties{
		AddressRange:    [2]uint32{0x0, 0x4000},
		PageSize:        0x100,
		ErasedByteValue: 0xFF,
		Sectors: []SectorDescriptor{
			{Size: 0x1000, Offset: 0x0},
			{Size: 0x2000, Offset: 0x2000},
		},
	}

	sectors := p.IterSectors()
	wantBases := []uint32{0x0, 0x1000, 0x2000}
	if len(sectors) != len(wantBases) {
		t.Fatalf("got %d sectors, want %d: %+v", len(sectors), len(wantBases), sectors)
	}
	for i, s := range sectors {
		if s.Base != wantBases[i] {
			t.Errorf("sector %d base = 0x%X, want 0x%X", i, s.Base, wantBases[i])
		}
	}
}

func TestAssembleRejectsOversizedAlgorithm(t *testing.T) {
	algo := &Raw{
		Instructions:  make([]uint32, 0x10000),
		PCProgramPage: 4,
		PCEraseSector: 8,
		FlashProperties: Properties{
			PageSize: 0x100,
		},
	}
	ram := RAMRegion{Start: 0x20000000, End: 0x20000800}
	if _, err := Assemble(algo, ram); err == nil {
		t.Fatal("expected assembly to fail: algorithm too large for RAM region")
	}
}

func TestAssembleRejectsEntryPointsOutsideCode(t *testing.T) {
	// 4 words = 16 bytes of code; anything at offset 16+ is outside.
	base := func() Raw {
		return Raw{
			Instructions:  []uint32{0xBF00, 0xBF00, 0xBF00, 0xBF00},
			PCProgramPage: 4,
			PCEraseSector: 8,
			StackSize:     512,
			FlashProperties: Properties{
				PageSize: 0x100,
			},
		}
	}
	ram := RAMRegion{Start: 0x20000000, End: 0x20001000}

	baseline := base()
	if _, err := Assemble(&baseline, ram); err != nil {
		t.Fatalf("baseline algorithm should assemble: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Raw)
	}{
		{"init", func(a *Raw) { a.PCInit = 64 }},
		{"uninit", func(a *Raw) { a.PCUnInit = 64 }},
		{"erase_all", func(a *Raw) { a.PCEraseAll = 64 }},
		{"program_page", func(a *Raw) { a.PCProgramPage = 64 }},
		{"erase_sector", func(a *Raw) { a.PCEraseSector = 64 }},
	}
	for _, c := range cases {
		algo := base()
		c.mutate(&algo)
		if _, err := Assemble(&algo, ram); err == nil {
			t.Errorf("%s entry point past the end of code should be rejected", c.name)
		}
	}
}

func TestAssembleSeparateDataRAM(t *testing.T) {
	algo := &Raw{
		Instructions:  []uint32{0xBF00, 0xBF00, 0xBF00, 0xBF00},
		PCProgramPage: 4,
		PCEraseSector: 8,
		StackSize:     512,
		FlashProperties: Properties{
			PageSize: 0x100,
		},
	}
	ram := RAMRegion{Start: 0x20000000, End: 0x20000400}
	dataRAM := RAMRegion{Start: 0x20010000, End: 0x20010200}
	asm, err := AssembleWithDataRAM(algo, ram, dataRAM)
	if err != nil {
		t.Fatal(err)
	}
	if asm.StackTop != ram.End {
		t.Fatalf("stack top = 0x%08X, want top of code RAM 0x%08X", asm.StackTop, ram.End)
	}
	if len(asm.PageBuffers) != 2 || asm.PageBuffers[0] != dataRAM.Start {
		t.Fatalf("page buffers = %#x, want two buffers starting at data RAM 0x%08X", asm.PageBuffers, dataRAM.Start)
	}
}

func TestAssembleDoubleBuffers(t *testing.T) {
	algo := &Raw{
		Instructions:  []uint32{0xBF00, 0xBF00, 0xBF00, 0xBF00},
		PCProgramPage: 4,
		PCEraseSector: 8,
		StackSize:     512,
		FlashProperties: Properties{
			PageSize: 0x100,
		},
	}
	ram := RAMRegion{Start: 0x20000000, End: 0x20000000 + 0x1000}
	asm, err := Assemble(algo, ram)
	if err != nil {
		t.Fatal(err)
	}
	if len(asm.PageBuffers) != 2 {
		t.Fatalf("expected two page buffers to fit, got %d", len(asm.PageBuffers))
	}
}
