package imgload

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// SRecLoader loads Motorola SREC images.
type SRecLoader struct {
	BaseLoader
}

func NewSRecLoader() *SRecLoader { return &SRecLoader{} }

func (l *SRecLoader) Open(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("open SREC file: %w", err)
	}
	l.file = file
	return nil
}

var srecRecord = regexp.MustCompile(`^S([0-9a-fA-F])([0-9a-fA-F]+)`)

func (l *SRecLoader) Process() error {
	if l.file == nil {
		return fmt.Errorf("srec: file not open")
	}
	if l.handler == nil {
		return fmt.Errorf("srec: handler not set")
	}

	scanner := bufio.NewScanner(l.file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}

		m := srecRecord.FindStringSubmatch(line)
		if m == nil {
			return fmt.Errorf("invalid SREC record at line %d: %s", lineNum, line)
		}

		recordType, _ := strconv.ParseUint(m[1], 16, 8)
		hexDigits := m[2]

		switch recordType {
		case 0, 4, 5, 6, 7, 8, 9:
			continue
		case 1:
			if err := l.parseDataRecord(hexDigits, 2, lineNum); err != nil {
				return err
			}
		case 2:
			if err := l.parseDataRecord(hexDigits, 3, lineNum); err != nil {
				return err
			}
		case 3:
			if err := l.parseDataRecord(hexDigits, 4, lineNum); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported SREC type S%d at line %d", recordType, lineNum)
		}
	}

	return scanner.Err()
}

func (l *SRecLoader) parseDataRecord(hexDigits string, addressBytes int, lineNum int) error {
	if len(hexDigits) < 2+addressBytes*2+2 {
		return fmt.Errorf("SREC record too short at line %d", lineNum)
	}

	addressHex := hexDigits[2 : 2+addressBytes*2]
	address, _ := strconv.ParseUint(addressHex, 16, 32)

	dataStart := 2 + addressBytes*2
	dataEnd := len(hexDigits) - 2
	data, err := hexStringToBytes(hexDigits[dataStart:dataEnd])
	if err != nil {
		return fmt.Errorf("invalid data at line %d: %w", lineNum, err)
	}

	if err := l.handler(uint32(address), data); err != nil {
		return fmt.Errorf("handler failed at line %d: %w", lineNum, err)
	}
	return nil
}
