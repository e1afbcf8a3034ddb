// Package labelfile resolves symbolic addresses (function/variable names
// to target addresses) so CLI commands can accept a symbol name instead
// of a raw hex literal. The accepted format is the "name = 0xADDRESS"
// (or "name = $ADDRESS") shape linker map exports for Cortex-M
// toolchains commonly use.
package labelfile

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Table is a loaded set of symbol-to-address mappings.
type Table struct {
	addresses map[string]uint32
}

func NewTable() *Table {
	return &Table{addresses: make(map[string]uint32)}
}

var labelPattern = regexp.MustCompile(`^(\S+)\s*=\s*(?:\$|0[xX])?([0-9a-fA-F]+)`)

// Load parses a label file of "name = $address" or "name = 0xaddress" lines.
func (t *Table) Load(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("open label file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		m := labelPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		addr, err := strconv.ParseUint(m[2], 16, 32)
		if err != nil {
			continue
		}
		t.addresses[m[1]] = uint32(addr)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read label file: %w", err)
	}
	if len(t.addresses) == 0 {
		return fmt.Errorf("no symbols found in label file")
	}
	return nil
}

// Lookup resolves a symbol name to its address.
func (t *Table) Lookup(name string) (uint32, error) {
	addr, ok := t.addresses[name]
	if !ok {
		return 0, fmt.Errorf("symbol %q not found in label file", name)
	}
	return addr, nil
}

// Count returns the number of symbols loaded.
func (t *Table) Count() int {
	return len(t.addresses)
}
