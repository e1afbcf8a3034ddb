package cmd

import (
	"context"
	"fmt"

	"github.com/daschewie/embedctl/pkg/session"
	"github.com/daschewie/embedctl/pkg/stopfile"
	"github.com/spf13/cobra"
)

var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Halt the core",
	Long: `Halt the target core's execution.

The halt reason and current PC are persisted to a local stop file in the
current directory; 'embedctl run' and 'embedctl reset' clear it.

Example:
  embedctl halt --probe /dev/ttyACM0 --target stm32f103`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		sess, _, err := openSession(ctx, session.PermissionHalt)
		if err != nil {
			return err
		}
		defer sess.Close()
		if err := sess.RequirePermission("core", session.PermissionHalt); err != nil {
			return err
		}

		c, err := sess.Core(0)
		if err != nil {
			return err
		}

		printInfo("Halting core...\n")
		pc, err := c.Halt(ctx)
		if err != nil {
			return fmt.Errorf("failed to halt core: %w", err)
		}

		status, err := c.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to read core status: %w", err)
		}

		if err := stopfile.Write(stopfile.State{
			Reason:     haltReasonString(status.Halted),
			PC:         pc,
			ProbeAddr:  cfg.Probe,
			TargetName: cfg.Target,
		}); err != nil {
			printError("failed to persist halt state: %v", err)
		}

		printInfo("Core halted at PC 0x%08X (%s)\n", pc, haltReasonString(status.Halted))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Resume core execution",
	Long: `Resume the target core's execution after a halt.

Clears the local stop file persisted by 'embedctl halt'.

Example:
  embedctl run --probe /dev/ttyACM0 --target stm32f103`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		sess, _, err := openSession(ctx, session.PermissionHalt)
		if err != nil {
			return err
		}
		defer sess.Close()
		if err := sess.RequirePermission("core", session.PermissionHalt); err != nil {
			return err
		}

		c, err := sess.Core(0)
		if err != nil {
			return err
		}

		printInfo("Resuming core...\n")
		if err := c.Run(ctx); err != nil {
			return fmt.Errorf("failed to resume core: %w", err)
		}

		if err := stopfile.Clear(); err != nil {
			printError("failed to clear halt state: %v", err)
		}

		printInfo("Core running.\n")
		return nil
	},
}

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Single-step the core by one instruction",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		sess, _, err := openSession(ctx, session.PermissionHalt)
		if err != nil {
			return err
		}
		defer sess.Close()
		if err := sess.RequirePermission("core", session.PermissionHalt); err != nil {
			return err
		}

		c, err := sess.Core(0)
		if err != nil {
			return err
		}

		if err := c.Step(ctx); err != nil {
			return fmt.Errorf("failed to step core: %w", err)
		}

		pc, err := c.PC()
		if err != nil {
			return fmt.Errorf("failed to read PC: %w", err)
		}
		printInfo("Stepped to PC 0x%08X\n", pc)
		return nil
	},
}

var resetHaltFlag bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the target",
	Long: `Reset the target core via AIRCR.SYSRESETREQ.

With --halt, arms a reset-vector catch first so the core stops at its
first instruction after reset instead of running free.

Example:
  embedctl reset --probe /dev/ttyACM0 --target stm32f103 --halt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		sess, _, err := openSession(ctx, session.PermissionHalt)
		if err != nil {
			return err
		}
		defer sess.Close()
		if err := sess.RequirePermission("core", session.PermissionHalt); err != nil {
			return err
		}

		c, err := sess.Core(0)
		if err != nil {
			return err
		}

		if resetHaltFlag {
			printInfo("Resetting and halting core...\n")
			if err := c.ResetAndHalt(ctx); err != nil {
				return fmt.Errorf("failed to reset and halt core: %w", err)
			}
			pc, err := c.PC()
			if err != nil {
				return fmt.Errorf("failed to read PC: %w", err)
			}
			printInfo("Core halted after reset at PC 0x%08X\n", pc)
			return nil
		}

		printInfo("Resetting core...\n")
		if err := c.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset core: %w", err)
		}
		if err := stopfile.Clear(); err != nil {
			printError("failed to clear halt state: %v", err)
		}
		printInfo("Core reset and running.\n")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().BoolVar(&resetHaltFlag, "halt", false, "Catch the core at its first instruction after reset")
}
