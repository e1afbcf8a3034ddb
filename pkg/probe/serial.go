package probe

import (
	"fmt"

	"go.bug.st/serial"
)

// SerialTransport implements Transport over a local serial device, the
// common link for CMSIS-DAP-class probes enumerating as a USB CDC-ACM
// or vendor serial port.
type SerialTransport struct {
	port serial.Port
	cfg  Config
}

// Open opens the serial device, retrying once on failure since USB-CDC
// probes often need a beat to settle after enumeration.
func (s *SerialTransport) Open(addr string) error {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(addr, mode)
	if err != nil {
		if port != nil {
			port.Close()
		}
		port, err = serial.Open(addr, mode)
		if err != nil {
			return fmt.Errorf("open serial probe %s: %w", addr, err)
		}
	}

	if err := port.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout: %w", err)
	}

	s.port = port
	return nil
}

func (s *SerialTransport) Close() error {
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}

func (s *SerialTransport) IsOpen() bool { return s.port != nil }

func (s *SerialTransport) Read(n int) ([]byte, error) {
	if s.port == nil {
		return nil, fmt.Errorf("serial probe not open")
	}
	buf := make([]byte, n)
	total := 0
	for total < n {
		read, err := s.port.Read(buf[total:])
		if err != nil {
			return nil, fmt.Errorf("serial read: %w", err)
		}
		if read == 0 {
			return nil, fmt.Errorf("serial read timeout (got %d of %d bytes)", total, n)
		}
		total += read
	}
	return buf, nil
}

func (s *SerialTransport) Write(data []byte) (int, error) {
	if s.port == nil {
		return 0, fmt.Errorf("serial probe not open")
	}
	total := 0
	for total < len(data) {
		n, err := s.port.Write(data[total:])
		if err != nil {
			return total, fmt.Errorf("serial write: %w", err)
		}
		total += n
	}
	return total, nil
}
