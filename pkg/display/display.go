// Package display renders memory, registers, and hex literals for the
// CLI.
package display

import (
	"fmt"
	"strings"
)

// HexDump prints a block of memory in classic hex-dump format: address,
// hex bytes, ASCII gutter.
func HexDump(data []byte, startAddress uint32) {
	const bytesPerLine = 16

	for offset := 0; offset < len(data); offset += bytesPerLine {
		address := startAddress + uint32(offset)
		fmt.Printf("%08X: ", address)

		lineEnd := offset + bytesPerLine
		if lineEnd > len(data) {
			lineEnd = len(data)
		}

		for i := offset; i < lineEnd; i++ {
			fmt.Printf("%02X ", data[i])
		}
		for i := lineEnd; i < offset+bytesPerLine; i++ {
			fmt.Print("   ")
		}

		fmt.Print(" | ")
		for i := offset; i < lineEnd; i++ {
			b := data[i]
			if b >= 32 && b <= 126 {
				fmt.Printf("%c", b)
			} else {
				fmt.Print(".")
			}
		}
		fmt.Println()
	}
}

// FormatHex renders a byte slice as space-separated hex pairs.
func FormatHex(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, b := range data {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(fmt.Sprintf("%02X", b))
	}
	return sb.String()
}

// ParseHexAddress parses a hex address accepting 0x/0X/$ prefixes, the
// three notations Cortex-M toolchains and assemblers use interchangeably.
func ParseHexAddress(s string) (uint32, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	s = strings.TrimPrefix(s, "$")

	var addr uint32
	_, err := fmt.Sscanf(s, "%x", &addr)
	if err != nil {
		return 0, fmt.Errorf("invalid hex address %q: %w", s, err)
	}
	return addr, nil
}

// ParseHexSize parses a hex byte count, same prefix rules as ParseHexAddress.
func ParseHexSize(s string) (uint32, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	s = strings.TrimPrefix(s, "$")

	var size uint32
	_, err := fmt.Sscanf(s, "%x", &size)
	if err != nil {
		return 0, fmt.Errorf("invalid hex size %q: %w", s, err)
	}
	return size, nil
}

// RegisterTable prints a name/value register dump, used by `embedctl regs`.
func RegisterTable(names []string, values []uint32) {
	for i, name := range names {
		if i >= len(values) {
			break
		}
		fmt.Printf("%-8s 0x%08X\n", name, values[i])
	}
}
