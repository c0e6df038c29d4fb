package cli

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kstrand/macvm/internal/instance"
)

var installFlags struct {
	image    string
	diskSize string
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install macOS from a restore image",
	Long: `Install allocates the virtual disk, resolves the restore image to a
hardware identity, and runs macOS installation to completion. A failed or
cancelled install can be retried; the instance directory is preserved.`,
	RunE: runInstall,
}

func init() {
	f := installCmd.Flags()
	f.StringVar(&installFlags.image, "image", "", "path to the macOS restore image (.ipsw)")
	f.StringVar(&installFlags.diskSize, "disk-size", "64GiB", "disk image size")
	_ = installCmd.MarkFlagRequired("image")
}

// parseDiskSize parses a human-readable disk size into whole GiB. The disk
// is allocated in GiB units, so unaligned sizes are rejected rather than
// silently truncated.
func parseDiskSize(s string) (uint64, error) {
	size, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse disk size %q: %w", s, err)
	}
	if size < 1<<30 || size%(1<<30) != 0 {
		return 0, fmt.Errorf("disk size %q must be a whole number of GiB (e.g. 64GiB)", s)
	}
	return uint64(size) >> 30, nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	sizeGiB, err := parseDiskSize(installFlags.diskSize)
	if err != nil {
		return err
	}

	dir, err := resolveDir()
	if err != nil {
		return err
	}
	host, err := newHost()
	if err != nil {
		return err
	}
	inst, err := instance.Open(dir, host)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("installing macOS"),
		progressbar.OptionShowCount(),
	)
	err = inst.Install(cmd.Context(), installFlags.image, sizeGiB, func(fraction float64) {
		_ = bar.Set(int(fraction * 100))
	})
	if err != nil {
		return err
	}
	_ = bar.Finish()
	fmt.Printf("\nInstalled macOS into %s\n", dir)
	return nil
}
