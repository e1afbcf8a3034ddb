package labelfile

import (
	"os"
	"testing"
)

func TestLoadAndLookup(t *testing.T) {
	content := "; comment\nmain = $08000100\nSystemInit = 0x080001A0\n"
	tmp, err := os.CreateTemp(t.TempDir(), "*.lbl")
	if err != nil {
		t.Fatal(err)
	}
	tmp.WriteString(content)
	tmp.Close()

	tbl := NewTable()
	if err := tbl.Load(tmp.Name()); err != nil {
		t.Fatal(err)
	}
	if tbl.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", tbl.Count())
	}

	addr, err := tbl.Lookup("main")
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x08000100 {
		t.Errorf("main = 0x%X, want 0x08000100", addr)
	}

	addr, err = tbl.Lookup("SystemInit")
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x080001A0 {
		t.Errorf("SystemInit = 0x%X, want 0x080001A0", addr)
	}

	if _, err := tbl.Lookup("nope"); err == nil {
		t.Error("expected error for unknown symbol")
	}
}
