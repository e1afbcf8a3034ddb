package cmd

import (
	"context"
	"fmt"

	"github.com/daschewie/embedctl/pkg/core"
	"github.com/daschewie/embedctl/pkg/display"
	"github.com/daschewie/embedctl/pkg/session"
	"github.com/spf13/cobra"
)

var regsCmd = &cobra.Command{
	Use:   "regs",
	Short: "Print the core's R0-R3, R9, SP, LR, PC, and XPSR",
	Long: `Read and display the halted core's register file.

The core must already be halted (see 'embedctl halt'); reading core
registers from a running core is architecturally undefined.

Example:
  embedctl regs --probe /dev/ttyACM0 --target stm32f103`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		sess, desc, err := openSession(ctx, session.PermissionReadOnly)
		if err != nil {
			return err
		}
		defer sess.Close()

		c, err := sess.Core(0)
		if err != nil {
			return err
		}

		status, err := c.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to read core status: %w", err)
		}
		if status.Running {
			return fmt.Errorf("core is running; halt it first with 'embedctl halt'")
		}

		names := []string{"R0", "R1", "R2", "R3", "R9", "SP", "LR", "PC", "XPSR"}
		readers := []func() (uint32, error){
			func() (uint32, error) { return c.ReadCoreRegister(0) },
			func() (uint32, error) { return c.ReadCoreRegister(1) },
			func() (uint32, error) { return c.ReadCoreRegister(2) },
			func() (uint32, error) { return c.ReadCoreRegister(3) },
			func() (uint32, error) { return c.ReadCoreRegister(9) },
			c.SP,
			c.LR,
			c.PC,
			c.XPSR,
		}

		values := make([]uint32, 0, len(readers))
		for i, read := range readers {
			v, err := read()
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", names[i], err)
			}
			values = append(values, v)
		}

		printInfo("%s (%s), halted: %s\n", desc.Name, coreKindString(desc.Cores[0].Kind), haltReasonString(status.Halted))
		display.RegisterTable(names, values)

		if status.Halted == core.HaltException {
			unwound, err := c.UnwindException()
			if err != nil {
				return fmt.Errorf("failed to unwind exception frame: %w", err)
			}
			if unwound.NoFurtherUnwind {
				printInfo("no further unwind possible (thread mode or reset)\n")
			} else {
				printInfo("%s\n", unwound.Description)
				printInfo("calling frame: PC=0x%08X LR=0x%08X R0=0x%08X R1=0x%08X R2=0x%08X R3=0x%08X R12=0x%08X\n",
					unwound.Frame.ReturnAddress, unwound.Frame.LR, unwound.Frame.R0, unwound.Frame.R1, unwound.Frame.R2, unwound.Frame.R3, unwound.Frame.R12)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(regsCmd)
}

func haltReasonString(r core.HaltReason) string {
	switch r {
	case core.HaltBreakpoint:
		return "breakpoint"
	case core.HaltException:
		return "exception (vector catch)"
	case core.HaltWatchpoint:
		return "watchpoint"
	case core.HaltStep:
		return "single-step"
	case core.HaltRequest:
		return "debugger request"
	case core.HaltExternal:
		return "external (reset pin)"
	case core.HaltMultiple:
		return "multiple reasons"
	default:
		return "unknown"
	}
}

// statusString renders a core.Status for display, used by 'attach' to
// print every core's state in one line.
func statusString(s core.Status) string {
	switch {
	case s.LockedUp:
		return "locked up"
	case s.Sleeping:
		return "sleeping"
	case s.Running:
		return "running"
	default:
		return "halted (" + haltReasonString(s.Halted) + ")"
	}
}
