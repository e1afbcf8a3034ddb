package imgload

import (
	"os"
	"testing"
)

func TestSRecLoaderDataRecord(t *testing.T) {
	// S1 record: count=09, address=0100, data=AABBCCDDEE, checksum=00 (unchecked)
	content := "S0030000FC\nS1090100AABBCCDDEE00\nS9030000FC\n"
	tmp, err := os.CreateTemp(t.TempDir(), "*.s19")
	if err != nil {
		t.Fatal(err)
	}
	tmp.WriteString(content)
	tmp.Close()

	l := NewSRecLoader()
	if err := l.Open(tmp.Name()); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	var gotAddr uint32
	var gotData []byte
	l.SetHandler(func(address uint32, data []byte) error {
		gotAddr = address
		gotData = data
		return nil
	})

	if err := l.Process(); err != nil {
		t.Fatal(err)
	}
	if gotAddr != 0x0100 {
		t.Errorf("address = 0x%X, want 0x0100", gotAddr)
	}
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}
	if len(gotData) != len(want) {
		t.Fatalf("data = %v, want %v", gotData, want)
	}
	for i := range want {
		if gotData[i] != want[i] {
			t.Errorf("data[%d] = 0x%02X, want 0x%02X", i, gotData[i], want[i])
		}
	}
}
