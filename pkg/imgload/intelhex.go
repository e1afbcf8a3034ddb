package imgload

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// IntelHexLoader loads Intel HEX firmware images, the format most ARM
// vendor SDKs export alongside ELF.
type IntelHexLoader struct {
	BaseLoader
	baseAddress uint32
}

func NewIntelHexLoader() *IntelHexLoader { return &IntelHexLoader{} }

func (l *IntelHexLoader) Open(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("open Intel HEX file: %w", err)
	}
	l.file = file
	l.baseAddress = 0
	return nil
}

var intelHexRecord = regexp.MustCompile(`^:([0-9a-fA-F]{2})([0-9a-fA-F]{4})([0-9a-fA-F]{2})([0-9a-fA-F]*)([0-9a-fA-F]{2})`)

// Process parses :LLAAAATT[DD...]CC records. Extended segment (type 2)
// and extended linear (type 4) records shift the base address; start
// address records (type 3, 5) are execution entry points, not data,
// and are ignored.
func (l *IntelHexLoader) Process() error {
	if l.file == nil {
		return fmt.Errorf("intel hex: file not open")
	}
	if l.handler == nil {
		return fmt.Errorf("intel hex: handler not set")
	}

	scanner := bufio.NewScanner(l.file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}

		m := intelHexRecord.FindStringSubmatch(line)
		if m == nil {
			return fmt.Errorf("invalid Intel HEX record at line %d: %s", lineNum, line)
		}

		byteCount, _ := strconv.ParseUint(m[1], 16, 8)
		address, _ := strconv.ParseUint(m[2], 16, 16)
		recordType, _ := strconv.ParseUint(m[3], 16, 8)
		dataHex := m[4]

		switch recordType {
		case 0x00:
			data, err := hexStringToBytes(dataHex)
			if err != nil {
				return fmt.Errorf("invalid data at line %d: %w", lineNum, err)
			}
			if uint64(len(data)) != byteCount {
				return fmt.Errorf("byte count mismatch at line %d: expected %d, got %d", lineNum, byteCount, len(data))
			}
			if err := l.handler(l.baseAddress+uint32(address), data); err != nil {
				return fmt.Errorf("handler failed at line %d: %w", lineNum, err)
			}

		case 0x01:
			return nil

		case 0x02:
			segmentAddr, _ := strconv.ParseUint(dataHex, 16, 32)
			l.baseAddress = uint32(segmentAddr) << 4

		case 0x04:
			extAddr, _ := strconv.ParseUint(dataHex, 16, 32)
			l.baseAddress = uint32(extAddr) << 16

		case 0x03, 0x05:
			// Start address records specify an execution entry point,
			// not flash data.

		default:
			return fmt.Errorf("unsupported Intel HEX record type 0x%02X at line %d", recordType, lineNum)
		}
	}

	return scanner.Err()
}
