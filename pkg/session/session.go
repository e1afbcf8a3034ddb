// Package session ties the probe transport, DAP transaction layer,
// core state machine, and target description together into the single
// entry point a CLI command (or any other external collaborator) opens
// against one physical probe: one connection, one owner, opened and
// closed around a unit of work (see the cmd/*.go RunE bodies).
package session

import (
	"context"
	"fmt"

	"github.com/daschewie/embedctl/pkg/core"
	"github.com/daschewie/embedctl/pkg/dap"
	"github.com/daschewie/embedctl/pkg/dberr"
	"github.com/daschewie/embedctl/pkg/memory"
	"github.com/daschewie/embedctl/pkg/probe"
	"github.com/daschewie/embedctl/pkg/target"
	"github.com/daschewie/embedctl/pkg/vendorseq"
)

// Permission gates operations by how invasive they are, so a caller
// that only wants to read memory never accidentally erases flash.
type Permission int

const (
	PermissionReadOnly Permission = iota
	PermissionHalt
	PermissionEraseAndProgram
)

// Session owns one probe transport exclusively for its lifetime.
type Session struct {
	transport probe.Transport
	port      *dap.Port
	desc      *target.Description
	cores     []*core.Core
	mems      []*memory.Interface
	seq       vendorseq.Sequence
	perm      Permission
	dryRun    bool
}

// Open attaches to a probe at addr for the given target description
// and requested permission level, running the vendor sequence's
// DebugPortSetup and DebugCoreStart hooks.
func Open(ctx context.Context, addr string, desc *target.Description, seq vendorseq.Sequence, perm Permission, dryRun bool) (*Session, error) {
	if dryRun {
		if seq == nil {
			seq = vendorseq.Default{}
		}
		return &Session{desc: desc, seq: seq, perm: perm, dryRun: true}, nil
	}
	return OpenWith(ctx, probe.New(addr, probe.DefaultConfig()), addr, desc, seq, perm)
}

// OpenWith is Open against a caller-supplied transport, used directly
// by hosts that construct their own probe connection (and by tests
// running against a simulated one).
func OpenWith(ctx context.Context, transport probe.Transport, addr string, desc *target.Description, seq vendorseq.Sequence, perm Permission) (*Session, error) {
	if seq == nil {
		seq = vendorseq.Default{}
	}

	s := &Session{desc: desc, seq: seq, perm: perm}

	port, err := dap.Open(transport, addr)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindTransport, "session.Open", "open debug port", err)
	}
	s.transport = transport
	s.port = port

	for range desc.Cores {
		mem := memory.New(port)
		s.mems = append(s.mems, mem)
	}
	for i, cd := range desc.Cores {
		c := core.New(s.mems[i], cd.Kind)
		s.cores = append(s.cores, c)
	}

	if err := seq.DebugPortSetup(ctx, s.cores[0]); err != nil {
		s.Close()
		return nil, dberr.Wrap(dberr.KindTransport, "session.Open", "vendor DebugPortSetup", err)
	}
	if err := seq.DebugCoreStart(ctx, s.cores[0]); err != nil {
		s.Close()
		return nil, dberr.Wrap(dberr.KindTransport, "session.Open", "vendor DebugCoreStart", err)
	}

	if err := seq.DebugDeviceUnlock(ctx, s.cores[0]); err != nil {
		if err != vendorseq.ErrReattachRequired {
			s.Close()
			return nil, dberr.Wrap(dberr.KindTransport, "session.Open", "vendor DebugDeviceUnlock", err)
		}
		// The unlock sequence left the debug port in a state only a
		// fresh probe-level attach can recover from. This Session
		// handle is no longer usable: close it and surface
		// ReAttachRequired so the caller drops it and calls Open
		// again.
		s.Close()
		return nil, dberr.Wrap(dberr.KindReAttachRequired, "session.Open", "vendor DebugDeviceUnlock requires re-attach", err)
	}

	return s, nil
}

// Close releases the underlying probe connection.
func (s *Session) Close() error {
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}

// Core returns the nth core's state machine. Index 0 is the common
// case; multi-core chips expose the rest in target description order.
func (s *Session) Core(n int) (*core.Core, error) {
	if n < 0 || n >= len(s.cores) {
		return nil, dberr.New(dberr.KindInvariant, "session.Core", fmt.Sprintf("core index %d out of range (have %d)", n, len(s.cores)))
	}
	return s.cores[n], nil
}

// Memory returns the nth core's memory interface.
func (s *Session) Memory(n int) (*memory.Interface, error) {
	if n < 0 || n >= len(s.mems) {
		return nil, dberr.New(dberr.KindInvariant, "session.Memory", fmt.Sprintf("core index %d out of range (have %d)", n, len(s.mems)))
	}
	return s.mems[n], nil
}

// Description returns the target description this session was opened
// against.
func (s *Session) Description() *target.Description { return s.desc }

// RequirePermission returns dberr.KindPermissionDenied unless the
// session was opened at least at want's level.
func (s *Session) RequirePermission(op string, want Permission) error {
	if s.perm < want {
		return dberr.New(dberr.KindPermissionDenied, op, fmt.Sprintf("operation requires permission level %d, session has %d", want, s.perm))
	}
	return nil
}

// Reattach tears down and reopens the probe connection on an existing,
// still-open Session. Open itself never calls this: a ReAttachRequired
// error from Open means that Session is done for and the caller must
// drop it and call Open again. Reattach is for a
// longer-lived collaborator (a DAP/GDB server's probe-owning task) that
// wants to recover from a transient connection drop without losing the
// *core.Core references it already handed out elsewhere; every existing
// core's memory.Interface is repointed at the new port in place.
func (s *Session) Reattach(ctx context.Context, addr string) error {
	if s.port != nil {
		s.port.Close()
	}
	transport := probe.New(addr, probe.DefaultConfig())
	port, err := dap.Open(transport, addr)
	if err != nil {
		return dberr.Wrap(dberr.KindReAttachRequired, "session.Reattach", "reopen debug port", err)
	}
	s.transport = transport
	s.port = port
	for _, mem := range s.mems {
		mem.SetPort(port)
	}
	return nil
}
