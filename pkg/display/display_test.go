package display

import "testing"

func TestParseHexAddressPrefixes(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
	}{
		{"0x08000000", 0x08000000},
		{"0X1000", 0x1000},
		{"$2000", 0x2000},
		{"FF", 0xFF},
	}
	for _, c := range cases {
		got, err := ParseHexAddress(c.in)
		if err != nil {
			t.Fatalf("ParseHexAddress(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseHexAddress(%q) = 0x%X, want 0x%X", c.in, got, c.want)
		}
	}
}

func TestFormatHex(t *testing.T) {
	got := FormatHex([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	want := "DE AD BE EF"
	if got != want {
		t.Errorf("FormatHex = %q, want %q", got, want)
	}
}

