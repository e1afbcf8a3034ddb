package imgload

import (
	"os"
	"testing"
)

func TestIntelHexLoaderBasicRecord(t *testing.T) {
	content := ":10000000010203040506070809000102030405060A\n:00000001FF\n"
	tmp, err := os.CreateTemp(t.TempDir(), "*.hex")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	l := NewIntelHexLoader()
	if err := l.Open(tmp.Name()); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	var gotAddr uint32
	var gotLen int
	l.SetHandler(func(address uint32, data []byte) error {
		gotAddr = address
		gotLen = len(data)
		return nil
	})

	if err := l.Process(); err != nil {
		t.Fatal(err)
	}
	if gotAddr != 0 {
		t.Errorf("address = 0x%X, want 0", gotAddr)
	}
	if gotLen != 16 {
		t.Errorf("data length = %d, want 16", gotLen)
	}
}

func TestIntelHexLoaderExtendedLinearAddress(t *testing.T) {
	// :02000004 0800 F2 sets the upper 16 bits of address to 0x0800
	content := ":020000040800F2\n:04000000DEADBEEF34\n"
	tmp, err := os.CreateTemp(t.TempDir(), "*.hex")
	if err != nil {
		t.Fatal(err)
	}
	tmp.WriteString(content)
	tmp.Close()

	l := NewIntelHexLoader()
	if err := l.Open(tmp.Name()); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	var gotAddr uint32
	l.SetHandler(func(address uint32, data []byte) error {
		gotAddr = address
		return nil
	})
	if err := l.Process(); err != nil {
		t.Fatal(err)
	}
	if gotAddr != 0x08000000 {
		t.Errorf("address = 0x%X, want 0x08000000", gotAddr)
	}
}
