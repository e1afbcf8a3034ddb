// Package probe provides the physical transport to a debug probe: a
// small Transport interface with a serial and a TCP implementation,
// selected by the shape of the port string.
package probe

import (
	"fmt"
	"strings"
	"time"
)

// Transport is the byte pipe to a debug probe. Implementations must
// guarantee Read blocks until exactly n bytes are available, an error
// occurs, or the per-connection timeout elapses.
type Transport interface {
	Open(addr string) error
	Close() error
	IsOpen() bool
	Read(n int) ([]byte, error)
	Write(data []byte) (int, error)
}

// Config controls transport-level timing. Baud rate only applies to
// serial transports; TCP transports ignore it.
type Config struct {
	BaudRate   int
	ReadTimeout time.Duration
	DialTimeout time.Duration
}

// DefaultConfig returns timing values sane for a CMSIS-DAP-class
// debug-probe link.
func DefaultConfig() Config {
	return Config{
		BaudRate:    115200,
		ReadTimeout: 5 * time.Second,
		DialTimeout: 10 * time.Second,
	}
}

// New selects a transport implementation from the shape of addr: a
// string containing ':' is treated as a TCP host:port (e.g. a
// probe-to-network bridge), anything else is a serial device path.
func New(addr string, cfg Config) Transport {
	if strings.Contains(addr, ":") {
		return &TCPTransport{cfg: cfg}
	}
	return &SerialTransport{cfg: cfg}
}

// ValidateAddr performs basic validation on a transport address.
func ValidateAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("probe address cannot be empty")
	}
	return nil
}
