package core

import (
	"fmt"

	"github.com/daschewie/embedctl/pkg/dberr"
	"github.com/daschewie/embedctl/pkg/regfield"
)

// VectorCatch names an exception condition the core can halt on
// automatically, without any breakpoint installed.
type VectorCatch int

const (
	CatchHardFault VectorCatch = iota
	CatchCoreReset
	CatchMemFault
	CatchBusFault
	CatchUsageFault
	CatchSecureFault
)

func (v VectorCatch) String() string {
	switch v {
	case CatchHardFault:
		return "hardfault"
	case CatchCoreReset:
		return "corereset"
	case CatchMemFault:
		return "memfault"
	case CatchBusFault:
		return "busfault"
	case CatchUsageFault:
		return "usagefault"
	case CatchSecureFault:
		return "securefault"
	default:
		return fmt.Sprintf("vectorcatch(%d)", int(v))
	}
}

// ParseVectorCatch resolves a condition name as used on the CLI.
func ParseVectorCatch(name string) (VectorCatch, error) {
	switch name {
	case "hardfault":
		return CatchHardFault, nil
	case "corereset":
		return CatchCoreReset, nil
	case "memfault":
		return CatchMemFault, nil
	case "busfault":
		return CatchBusFault, nil
	case "usagefault":
		return CatchUsageFault, nil
	case "securefault":
		return CatchSecureFault, nil
	default:
		return 0, fmt.Errorf("unknown vector catch condition %q", name)
	}
}

// demcrBitsFor maps a condition to the DEMCR bits that arm it. A usage
// fault can surface through three distinct DEMCR conditions, so it maps
// to all of them.
func (c *Core) demcrBitsFor(cond VectorCatch) ([]regfield.Field, error) {
	notImpl := func() ([]regfield.Field, error) {
		return nil, dberr.New(dberr.KindNotImplemented, "core.EnableVectorCatch", fmt.Sprintf("%s vector catch is not implemented on %s", cond, c.String()))
	}

	switch cond {
	case CatchCoreReset:
		return []regfield.Field{demcrVCCoreReset}, nil
	case CatchHardFault:
		return []regfield.Field{demcrVCHardErr}, nil
	case CatchMemFault:
		if c.kind == KindM0 {
			return notImpl()
		}
		return []regfield.Field{demcrVCMMErr}, nil
	case CatchBusFault:
		if c.kind == KindM0 {
			return notImpl()
		}
		return []regfield.Field{demcrVCBusErr}, nil
	case CatchUsageFault:
		if c.kind == KindM0 {
			return notImpl()
		}
		return []regfield.Field{demcrVCStatErr, demcrVCChkErr, demcrVCNoCPErr}, nil
	case CatchSecureFault:
		// ARMv8-M only; neither core family this package drives has it.
		return notImpl()
	default:
		return nil, dberr.New(dberr.KindInvariant, "core.EnableVectorCatch", fmt.Sprintf("unknown vector catch condition %d", int(cond)))
	}
}

// EnableVectorCatch arms (or disarms) automatic halt on cond by
// toggling the matching DEMCR bits. Conditions the core family has no
// hardware for return dberr.KindNotImplemented, which callers should
// treat as non-fatal.
func (c *Core) EnableVectorCatch(cond VectorCatch, enable bool) error {
	bits, err := c.demcrBitsFor(cond)
	if err != nil {
		return err
	}

	demcr, err := c.mem.ReadWord32(addrDEMCR)
	if err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.EnableVectorCatch", "read DEMCR", err)
	}
	val := uint32(0)
	if enable {
		val = 1
	}
	for _, bit := range bits {
		demcr = bit.Set(demcr, val)
	}
	if err := c.mem.WriteWord32(addrDEMCR, demcr); err != nil {
		return dberr.Wrap(dberr.KindTransport, "core.EnableVectorCatch", "write DEMCR", err)
	}
	return nil
}
