package cmd

import (
	"context"
	"fmt"

	"github.com/daschewie/embedctl/pkg/display"
	"github.com/daschewie/embedctl/pkg/session"
	"github.com/spf13/cobra"
)

var (
	dumpAddress string
	dumpCount   string
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Read and display target memory in hex dump format",
	Long: `Read a block of target memory and display it in hex dump format.

Example:
  embedctl dump --probe /dev/ttyACM0 --target stm32f103 --address 0x20000000 --count 0x100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := display.ParseHexAddress(dumpAddress)
		if err != nil {
			return fmt.Errorf("invalid address: %w", err)
		}
		count, err := display.ParseHexSize(dumpCount)
		if err != nil {
			return fmt.Errorf("invalid count: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		sess, _, err := openSession(ctx, session.PermissionReadOnly)
		if err != nil {
			return err
		}
		defer sess.Close()

		mem, err := sess.Memory(0)
		if err != nil {
			return err
		}

		data, err := mem.ReadBlock(addr, int(count))
		if err != nil {
			return fmt.Errorf("failed to read memory: %w", err)
		}

		display.HexDump(data, addr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)

	dumpCmd.Flags().StringVar(&dumpAddress, "address", "0x20000000", "Starting address (hex, e.g., 0x20000000)")
	dumpCmd.Flags().StringVar(&dumpCount, "count", "0x100", "Number of bytes to read (hex, e.g., 0x100)")
}
