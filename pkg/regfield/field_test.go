package regfield

import "testing"

func TestFieldGetSet(t *testing.T) {
	numCode1 := Field{Lo: 12, Hi: 14}
	numCode0 := Field{Lo: 4, Hi: 7}

	var word uint32 = 0
	word = numCode1.Set(word, 0b011)
	word = numCode0.Set(word, 0b1000)

	if got := numCode1.Get(word); got != 0b011 {
		t.Fatalf("numCode1 = %03b, want 011", got)
	}
	if got := numCode0.Get(word); got != 0b1000 {
		t.Fatalf("numCode0 = %04b, want 1000", got)
	}
}

func TestBitRoundTrip(t *testing.T) {
	var word uint32 = 0
	word = SetBit(word, 24, true)
	if !GetBit(word, 24) {
		t.Fatal("expected bit 24 set")
	}
	word = SetBit(word, 24, false)
	if GetBit(word, 24) {
		t.Fatal("expected bit 24 clear")
	}
}
