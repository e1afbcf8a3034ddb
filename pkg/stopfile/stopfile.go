// Package stopfile persists the target's last known halt state across
// separate embedctl invocations. Each CLI command is a fresh process
// with no connection to the one before it, so "embedctl halt" followed
// later by "embedctl run" has no in-memory way to know the target was
// ever stopped; this package is that memory. The file records the halt
// reason and PC alongside the marker itself, since a Cortex-M halt
// carries more useful state than a bare stopped/running flag.
package stopfile

import (
	"encoding/json"
	"fmt"
	"os"
)

const fileName = ".embedctl.stop"

// State is the persisted halt state.
type State struct {
	Halted     bool   `json:"halted"`
	Reason     string `json:"reason,omitempty"`
	PC         uint32 `json:"pc,omitempty"`
	ProbeAddr  string `json:"probe_addr,omitempty"`
	TargetName string `json:"target_name,omitempty"`
}

// Read loads the persisted state, returning a zero State if no stop
// file exists (the common case: nothing has halted yet).
func Read() (State, error) {
	data, err := os.ReadFile(fileName)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read stop file: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parse stop file: %w", err)
	}
	return s, nil
}

// Write persists a halted state.
func Write(s State) error {
	s.Halted = true
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode stop file: %w", err)
	}
	if err := os.WriteFile(fileName, data, 0o644); err != nil {
		return fmt.Errorf("write stop file: %w", err)
	}
	return nil
}

// Clear removes the stop file, marking the target as running again.
func Clear() error {
	if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stop file: %w", err)
	}
	return nil
}
