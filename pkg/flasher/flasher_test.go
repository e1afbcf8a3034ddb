package flasher

import "testing"

func TestBytesEqual(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{1, 2, 3}
	c := []byte{1, 2, 4}
	if !bytesEqual(a, b) {
		t.Error("expected equal slices to compare equal")
	}
	if bytesEqual(a, c) {
		t.Error("expected differing slices to compare unequal")
	}
	if bytesEqual(a, []byte{1, 2}) {
		t.Error("expected differing lengths to compare unequal")
	}
}
