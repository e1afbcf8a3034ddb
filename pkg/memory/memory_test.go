package memory

import "testing"

func TestAlignRange(t *testing.T) {
	cases := []struct {
		addr, length   uint32
		wantAddr, wantLen uint32
	}{
		{0x1000, 4, 0x1000, 4},
		{0x1001, 4, 0x1000, 8},
		{0x1003, 1, 0x1000, 4},
		{0x1002, 6, 0x1000, 8},
	}
	for _, c := range cases {
		gotAddr, gotLen := alignRange(c.addr, c.length)
		if gotAddr != c.wantAddr || gotLen != c.wantLen {
			t.Errorf("alignRange(0x%x, %d) = (0x%x, %d), want (0x%x, %d)",
				c.addr, c.length, gotAddr, gotLen, c.wantAddr, c.wantLen)
		}
	}
}
