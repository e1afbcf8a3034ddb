package rtt

import "testing"

func TestKmpFindAll(t *testing.T) {
	haystack := append(append([]byte("xxxx"), controlBlockMagic...), []byte("yyyy")...)
	matches := kmpFindAll(haystack, controlBlockMagic)
	if len(matches) != 1 || matches[0] != 4 {
		t.Fatalf("kmpFindAll = %v, want [4]", matches)
	}
}

func TestKmpFindAllMultiple(t *testing.T) {
	haystack := append(append(append([]byte("a"), controlBlockMagic...), []byte("b")...), controlBlockMagic...)
	matches := kmpFindAll(haystack, controlBlockMagic)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %v", matches)
	}
}

func TestRingDistanceNoWrap(t *testing.T) {
	if d := ringDistance(0, 10, 100); d != 10 {
		t.Errorf("ringDistance(0,10,100) = %d, want 10", d)
	}
}

func TestRingDistanceWrapped(t *testing.T) {
	// size not a power of two, read ahead of write (wrapped case)
	if d := ringDistance(90, 5, 100); d != 15 {
		t.Errorf("ringDistance(90,5,100) = %d, want 15", d)
	}
}

func TestRingDistanceNonPowerOfTwoSize(t *testing.T) {
	if d := ringDistance(7, 3, 10); d != 6 {
		t.Errorf("ringDistance(7,3,10) = %d, want 6", d)
	}
}
