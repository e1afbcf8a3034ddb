package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/daschewie/embedctl/pkg/display"
	"github.com/daschewie/embedctl/pkg/flashalgo"
	"github.com/daschewie/embedctl/pkg/flashbuilder"
	"github.com/daschewie/embedctl/pkg/flasher"
	"github.com/daschewie/embedctl/pkg/imgload"
	"github.com/daschewie/embedctl/pkg/session"
	"github.com/daschewie/embedctl/pkg/uiconfirm"
	"github.com/spf13/cobra"
)

var (
	flashVerify           bool
	flashChipErase        bool
	flashRestoreUnwritten bool
	flashAssumeYes        bool
	eraseSectorAddr       string
)

var flashCmd = &cobra.Command{
	Use:   "flash <image>",
	Short: "Program flash memory from a firmware image",
	Long: `Program flash memory from an Intel HEX, Motorola SREC, or ELF image.

The image's (address, bytes) writes are collected into a sector-erase +
page-program plan, then applied by loading the target's flash algorithm
into RAM and calling its entry points. With --chip-erase the whole flash
region is erased up front instead of only the touched sectors.

Example:
  embedctl flash firmware.elf --probe /dev/ttyACM0 --target stm32f103 --verify`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlash(args[0])
	},
}

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase flash memory",
	Long: `Erase the entire flash memory using the target's chip-erase
routine, if the flash algorithm defines one. With --sector, erase only
the sector containing the given address instead.

WARNING: This is a destructive operation that cannot be undone.

Example:
  embedctl erase --probe /dev/ttyACM0 --target stm32f103
  embedctl erase --sector 0x08000400 --probe /dev/ttyACM0 --target stm32f103`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runErase()
	},
}

func init() {
	rootCmd.AddCommand(flashCmd)
	rootCmd.AddCommand(eraseCmd)

	flashCmd.Flags().BoolVar(&flashVerify, "verify", true, "Read back and verify every programmed page")
	flashCmd.Flags().BoolVar(&flashChipErase, "chip-erase", false, "Erase the whole flash region instead of only touched sectors")
	flashCmd.Flags().BoolVar(&flashRestoreUnwritten, "restore-unwritten", true, "Preserve existing flash contents outside the image's written bytes")
	flashCmd.Flags().BoolVarP(&flashAssumeYes, "yes", "y", false, "Skip the confirmation prompt")
	eraseCmd.Flags().BoolVarP(&flashAssumeYes, "yes", "y", false, "Skip the confirmation prompt")
	eraseCmd.Flags().StringVar(&eraseSectorAddr, "sector", "", "Erase only the sector containing this address (hex) instead of the whole chip")
}

func pickLoader(path string) (imgload.Loader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex":
		return imgload.NewIntelHexLoader(), nil
	case ".s19", ".srec", ".mot":
		return imgload.NewSRecLoader(), nil
	case ".elf", ".out", ".axf":
		return imgload.NewELFLoader(), nil
	default:
		return nil, fmt.Errorf("cannot infer image format from extension %q; rename to .hex/.s19/.elf", filepath.Ext(path))
	}
}

func runFlash(imagePath string) error {
	if !flashAssumeYes && !uiconfirm.Confirm(fmt.Sprintf("About to program flash from %s. Continue? (y/n): ", imagePath)) {
		printInfo("Operation cancelled.\n")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*commandTimeout)
	defer cancel()

	sess, desc, err := openSession(ctx, session.PermissionEraseAndProgram)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := sess.RequirePermission("flash", session.PermissionEraseAndProgram); err != nil {
		return err
	}

	c, err := sess.Core(0)
	if err != nil {
		return err
	}
	mem, err := sess.Memory(0)
	if err != nil {
		return err
	}
	if len(desc.FlashAlgorithms) == 0 {
		return fmt.Errorf("target %q has no flash algorithm configured", desc.Name)
	}
	raw := desc.FlashAlgorithms[0].ToRawAlgorithm()
	ram, err := desc.RAMRegion()
	if err != nil {
		return err
	}
	algo, err := flashalgo.Assemble(&raw, ram)
	if err != nil {
		return fmt.Errorf("failed to assemble flash algorithm: %w", err)
	}

	loader, err := pickLoader(imagePath)
	if err != nil {
		return err
	}
	if err := loader.Open(imagePath); err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer loader.Close()

	builder := flashbuilder.New()
	flashRegions := desc.FlashRegions()
	loader.SetHandler(func(address uint32, data []byte) error {
		for _, r := range flashRegions {
			if r.Contains(address, len(data)) {
				return builder.AddData(address, data)
			}
		}
		// Segments outside flash (RAM-resident data, debug-only
		// sections) aren't the flasher's to program.
		printInfo("Skipping %d bytes at 0x%08X: outside every flash region\n", len(data), address)
		return nil
	})
	if err := loader.Process(); err != nil {
		return fmt.Errorf("failed to parse image: %w", err)
	}

	plan, err := builder.Build(raw.FlashProperties, flashRestoreUnwritten, func(address uint32, length int) ([]byte, error) {
		return mem.ReadBlock(address, length)
	})
	if err != nil {
		return fmt.Errorf("failed to build flash plan: %w", err)
	}

	if _, err := c.Halt(ctx); err != nil {
		return fmt.Errorf("failed to halt core before flashing: %w", err)
	}

	fl := flasher.New(c, mem, algo)
	if err := fl.Init(ctx, flasher.OpProgram); err != nil {
		return fmt.Errorf("failed to initialize flash algorithm: %w", err)
	}
	defer fl.UnInit(ctx, flasher.OpProgram)

	if flashChipErase && !algo.SupportsChipErase() {
		return fmt.Errorf("flash algorithm %q has no chip-erase routine", raw.Name)
	}

	progress := &flasher.Progress{
		EraseStarted: func() { printInfo("Erasing...\n") },
		SectorErased: func(size uint32, elapsed time.Duration) {
			printInfo("  erased %d bytes in %s\n", size, elapsed.Round(time.Millisecond))
		},
		ProgramStarted: func() { printInfo("Programming %d sector(s)...\n", len(plan.Sectors)) },
		PageProgrammed: func(size uint32, elapsed time.Duration) {
			printInfo("  programmed %d bytes in %s\n", size, elapsed.Round(time.Millisecond))
		},
	}

	if err := fl.Execute(ctx, plan, flashChipErase, progress); err != nil {
		return fmt.Errorf("flash programming failed: %w", err)
	}

	if flashVerify {
		printInfo("Verifying programmed pages...\n")
		for _, sector := range plan.Sectors {
			for _, p := range sector.Pages {
				readBack, err := mem.ReadBlock(p.Address, len(p.Data))
				if err != nil {
					return fmt.Errorf("failed to read back page at 0x%08X: %w", p.Address, err)
				}
				if !equalBytes(readBack, p.Data) {
					return fmt.Errorf("verification failed at page 0x%08X", p.Address)
				}
			}
		}
	}

	printInfo("Flash programming complete.\n")
	return nil
}

func runErase() error {
	if !flashAssumeYes && !uiconfirm.ConfirmDanger("You are about to ERASE the entire flash memory") {
		printInfo("Operation cancelled.\n")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*commandTimeout)
	defer cancel()

	sess, desc, err := openSession(ctx, session.PermissionEraseAndProgram)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := sess.RequirePermission("erase", session.PermissionEraseAndProgram); err != nil {
		return err
	}

	c, err := sess.Core(0)
	if err != nil {
		return err
	}
	mem, err := sess.Memory(0)
	if err != nil {
		return err
	}
	if len(desc.FlashAlgorithms) == 0 {
		return fmt.Errorf("target %q has no flash algorithm configured", desc.Name)
	}
	raw := desc.FlashAlgorithms[0].ToRawAlgorithm()
	ram, err := desc.RAMRegion()
	if err != nil {
		return err
	}
	algo, err := flashalgo.Assemble(&raw, ram)
	if err != nil {
		return fmt.Errorf("failed to assemble flash algorithm: %w", err)
	}

	if _, err := c.Halt(ctx); err != nil {
		return fmt.Errorf("failed to halt core before erasing: %w", err)
	}

	fl := flasher.New(c, mem, algo)
	if err := fl.Init(ctx, flasher.OpErase); err != nil {
		return fmt.Errorf("failed to initialize flash algorithm: %w", err)
	}
	defer fl.UnInit(ctx, flasher.OpErase)

	if eraseSectorAddr != "" {
		addr, err := display.ParseHexAddress(eraseSectorAddr)
		if err != nil {
			return fmt.Errorf("invalid --sector address: %w", err)
		}
		info, err := raw.FlashProperties.SectorInfo(addr)
		if err != nil {
			return fmt.Errorf("address 0x%08X is outside the flash region: %w", addr, err)
		}
		printInfo("Erasing sector at 0x%08X (%d bytes)...\n", info.Base, info.Size)
		if err := fl.EraseSector(ctx, info.Base); err != nil {
			return fmt.Errorf("sector erase failed: %w", err)
		}
		printInfo("Sector erased successfully.\n")
		return nil
	}

	if !algo.SupportsChipErase() {
		return fmt.Errorf("flash algorithm %q has no chip-erase routine", raw.Name)
	}

	printInfo("Erasing flash memory...\n")
	if err := fl.EraseAll(ctx); err != nil {
		return fmt.Errorf("flash erase failed: %w", err)
	}

	printInfo("Flash memory erased successfully.\n")
	return nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
