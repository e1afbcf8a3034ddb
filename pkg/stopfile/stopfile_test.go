package stopfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadClear(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	empty, err := Read()
	if err != nil {
		t.Fatal(err)
	}
	if empty.Halted {
		t.Fatal("expected no stop file initially")
	}

	if err := Write(State{Reason: "Breakpoint", PC: 0x08000200}); err != nil {
		t.Fatal(err)
	}

	got, err := Read()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Halted || got.Reason != "Breakpoint" || got.PC != 0x08000200 {
		t.Errorf("Read() = %+v, want halted with Breakpoint reason", got)
	}

	if _, err := os.Stat(filepath.Join(dir, fileName)); err != nil {
		t.Fatalf("expected stop file to exist: %v", err)
	}

	if err := Clear(); err != nil {
		t.Fatal(err)
	}
	cleared, err := Read()
	if err != nil {
		t.Fatal(err)
	}
	if cleared.Halted {
		t.Error("expected Halted=false after Clear")
	}
}
