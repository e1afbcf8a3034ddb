package cmd

import (
	"context"
	"fmt"

	"github.com/daschewie/embedctl/pkg/display"
	"github.com/daschewie/embedctl/pkg/labelfile"
	"github.com/daschewie/embedctl/pkg/session"
	"github.com/spf13/cobra"
)

var (
	breakLabelFile string
	breakClearAll  bool
)

var breakCmd = &cobra.Command{
	Use:   "break <address|symbol>",
	Short: "Set a hardware breakpoint",
	Long: `Install a hardware breakpoint at a target address, or at a
symbol resolved through --label-file (a "name = $address" or
"name = 0xaddress" linker-map-style export list).

Setting a breakpoint at an address that already has one installed is a
no-op; it does not consume a second comparator unit.

Example:
  embedctl break 0x08000100 --probe /dev/ttyACM0 --target stm32f103
  embedctl break main --label-file firmware.map --probe /dev/ttyACM0 --target stm32f103`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := resolveBreakpointAddress(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		sess, _, err := openSession(ctx, session.PermissionHalt)
		if err != nil {
			return err
		}
		defer sess.Close()
		if err := sess.RequirePermission("breakpoint", session.PermissionHalt); err != nil {
			return err
		}

		c, err := sess.Core(0)
		if err != nil {
			return err
		}
		if err := c.SetHWBreakpoint(addr); err != nil {
			return fmt.Errorf("failed to set breakpoint at 0x%08X: %w", addr, err)
		}
		printInfo("Breakpoint set at 0x%08X\n", addr)
		return nil
	},
}

var unbreakCmd = &cobra.Command{
	Use:   "unbreak [address|symbol]",
	Short: "Clear a hardware breakpoint",
	Long: `Remove the hardware breakpoint at a target address or symbol.

With --all, clears every installed hardware breakpoint instead of
requiring an address.

Example:
  embedctl unbreak 0x08000100 --probe /dev/ttyACM0 --target stm32f103
  embedctl unbreak --all --probe /dev/ttyACM0 --target stm32f103`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !breakClearAll && len(args) == 0 {
			return fmt.Errorf("specify an address or symbol, or pass --all")
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		sess, _, err := openSession(ctx, session.PermissionHalt)
		if err != nil {
			return err
		}
		defer sess.Close()
		if err := sess.RequirePermission("breakpoint", session.PermissionHalt); err != nil {
			return err
		}

		c, err := sess.Core(0)
		if err != nil {
			return err
		}

		if breakClearAll {
			if err := c.ClearAllHWBreakpoints(); err != nil {
				return fmt.Errorf("failed to clear breakpoints: %w", err)
			}
			printInfo("All breakpoints cleared.\n")
			return nil
		}

		addr, err := resolveBreakpointAddress(args[0])
		if err != nil {
			return err
		}
		if err := c.ClearHWBreakpoint(addr); err != nil {
			return fmt.Errorf("failed to clear breakpoint at 0x%08X: %w", addr, err)
		}
		printInfo("Breakpoint cleared at 0x%08X\n", addr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(breakCmd)
	rootCmd.AddCommand(unbreakCmd)

	breakCmd.Flags().StringVar(&breakLabelFile, "label-file", "", "Symbol table to resolve a name argument against, instead of a hex address")
	unbreakCmd.Flags().StringVar(&breakLabelFile, "label-file", "", "Symbol table to resolve a name argument against, instead of a hex address")
	unbreakCmd.Flags().BoolVar(&breakClearAll, "all", false, "Clear every installed hardware breakpoint")
}

// resolveBreakpointAddress parses arg as a hex address, falling back to
// a --label-file symbol lookup if it doesn't parse as a number.
func resolveBreakpointAddress(arg string) (uint32, error) {
	if addr, err := display.ParseHexAddress(arg); err == nil {
		return addr, nil
	}
	if breakLabelFile == "" {
		return 0, fmt.Errorf("%q is not a hex address and no --label-file was given to resolve it as a symbol", arg)
	}
	tbl := labelfile.NewTable()
	if err := tbl.Load(breakLabelFile); err != nil {
		return 0, fmt.Errorf("failed to load label file: %w", err)
	}
	return tbl.Lookup(arg)
}
