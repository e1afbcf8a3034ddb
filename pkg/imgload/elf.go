package imgload

import (
	"debug/elf"
	"fmt"
)

// ELFLoader loads PT_LOAD segments from an ELF firmware image, the
// format nearly every Cortex-M toolchain (arm-none-eabi-gcc, Rust's
// thumbv7em targets) produces directly. No relocations are performed:
// only load-time segment contents need to reach flash, not a full
// linker pass.
type ELFLoader struct {
	BaseLoader
	file *elf.File
	path string
}

func NewELFLoader() *ELFLoader { return &ELFLoader{} }

func (l *ELFLoader) Open(filename string) error {
	f, err := elf.Open(filename)
	if err != nil {
		return fmt.Errorf("open ELF file: %w", err)
	}
	l.file = f
	l.path = filename
	return nil
}

func (l *ELFLoader) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Process walks every PT_LOAD program header and invokes the handler
// with its file-backed bytes at its physical load address. Segments
// with Filesz < Memsz (a .bss tail) only emit the file-backed portion;
// zero-initializing the remainder is the target runtime's job, not the
// flasher's.
func (l *ELFLoader) Process() error {
	if l.file == nil {
		return fmt.Errorf("elf: file not open")
	}
	if l.handler == nil {
		return fmt.Errorf("elf: handler not set")
	}

	for _, prog := range l.file.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return fmt.Errorf("read PT_LOAD segment at 0x%08X: %w", prog.Paddr, err)
		}
		if err := l.handler(uint32(prog.Paddr), data); err != nil {
			return fmt.Errorf("handler failed for segment at 0x%08X: %w", prog.Paddr, err)
		}
	}
	return nil
}

// EntryPoint returns the ELF header's entry address.
func (l *ELFLoader) EntryPoint() uint32 {
	if l.file == nil {
		return 0
	}
	return uint32(l.file.Entry)
}
