// Package vendorseq defines the debug-sequence hook points a target
// description can override to handle chip-specific attach/reset quirks:
// boot-ROM halt handshakes, reset extension, and security-fuse unlock.
package vendorseq

import (
	"context"

	"github.com/daschewie/embedctl/pkg/core"
)

// Sequence is the set of hook points a vendor-specific sequence can
// override. Every method has a default no-op/pass-through
// implementation in Default so a target description only needs to
// embed Default and override what its chip actually requires.
type Sequence interface {
	DebugPortSetup(ctx context.Context, c *core.Core) error
	ResetHardwareAssert(ctx context.Context, c *core.Core) error
	ResetHardwareDeassert(ctx context.Context, c *core.Core) error
	ResetCatchSet(ctx context.Context, c *core.Core) error
	ResetCatchClear(ctx context.Context, c *core.Core) error
	ResetSystem(ctx context.Context, c *core.Core) error
	DebugCoreStart(ctx context.Context, c *core.Core) error
	DebugDeviceUnlock(ctx context.Context, c *core.Core) error
}

// Default implements Sequence with the generic ADIv5/ARMv7-M behavior:
// DebugCoreStart enables halting debug by halting the core,
// ResetCatchSet/Clear arm/disarm DEMCR.VC_CORERESET, ResetSystem pulses
// AIRCR.SYSRESETREQ via core.Reset, and everything else is a no-op.
// Embed this in a chip-specific sequence and override only the methods
// that chip needs.
type Default struct{}

func (Default) DebugPortSetup(ctx context.Context, c *core.Core) error { return nil }

func (Default) ResetHardwareAssert(ctx context.Context, c *core.Core) error { return nil }

func (Default) ResetHardwareDeassert(ctx context.Context, c *core.Core) error { return nil }

func (Default) ResetCatchSet(ctx context.Context, c *core.Core) error {
	return c.EnableVectorCatch(core.CatchCoreReset, true)
}

func (Default) ResetCatchClear(ctx context.Context, c *core.Core) error {
	return c.EnableVectorCatch(core.CatchCoreReset, false)
}

func (Default) ResetSystem(ctx context.Context, c *core.Core) error {
	return c.Reset(ctx)
}

func (Default) DebugCoreStart(ctx context.Context, c *core.Core) error {
	_, err := c.Halt(ctx)
	return err
}

func (Default) DebugDeviceUnlock(ctx context.Context, c *core.Core) error { return nil }

// ColdResetBootROMHalt handles chips that boot through an internal
// boot ROM before reaching user code, so
// a plain vector-catch-on-core-reset fires inside the boot ROM rather
// than at the application's reset handler. ResetCatchSet additionally
// halts immediately after asserting reset and single-steps past the
// boot ROM before arming the vector catch.
type ColdResetBootROMHalt struct {
	Default
	BootROMSteps int
}

func (s ColdResetBootROMHalt) ResetCatchSet(ctx context.Context, c *core.Core) error {
	if _, err := c.Halt(ctx); err != nil {
		return err
	}
	for i := 0; i < s.BootROMSteps; i++ {
		if err := c.Step(ctx); err != nil {
			return err
		}
	}
	return s.Default.ResetCatchSet(ctx, c)
}

// LockedDeviceReattach handles security-fused parts:
// unlocking a read-protected device requires a chip-erase-via-debug
// sequence that leaves the debug port connection in a state the probe
// must close and reopen before further commands succeed. Callers that
// see ErrReattachRequired from DebugDeviceUnlock must tear down and
// recreate the session's dap.Port.
type LockedDeviceReattach struct {
	Default
}

func (LockedDeviceReattach) DebugDeviceUnlock(ctx context.Context, c *core.Core) error {
	return ErrReattachRequired
}

// ResetExtension models sequences that hold a chip in reset for
// longer than a plain SYSRESETREQ pulse requires (some TI Sitara/AM
// parts need this to let an external PMIC sequence settle). ResetSystem
// sleeps for Extra after the normal reset pulse before returning.
type ResetExtension struct {
	Default
	Extra func(ctx context.Context) error
}

func (s ResetExtension) ResetSystem(ctx context.Context, c *core.Core) error {
	if err := c.Reset(ctx); err != nil {
		return err
	}
	if s.Extra != nil {
		return s.Extra(ctx)
	}
	return nil
}

// Lookup resolves a target description's vendor_sequence name to a
// Sequence implementation. An empty or unrecognized name falls back to
// Default rather than erroring, since most chips need no vendor
// extension at all.
func Lookup(name string) Sequence {
	switch name {
	case "cold-reset-boot-rom-halt":
		return ColdResetBootROMHalt{BootROMSteps: 1}
	case "locked-device-reattach":
		return LockedDeviceReattach{}
	default:
		return Default{}
	}
}

// ErrReattachRequired signals that the debug port connection must be
// closed and reopened before further operations will succeed.
var ErrReattachRequired = sequenceError("device unlock sequence requires session re-attach")

type sequenceError string

func (e sequenceError) Error() string { return string(e) }
