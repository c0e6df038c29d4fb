package cli

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/kstrand/macvm/internal/config"
	"github.com/kstrand/macvm/internal/instance"
)

var createFlags struct {
	configFile string
	cpus       int
	memory     string
	width      int
	height     int
	scale      int
	sharedDir  string
	debugPort  int
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a fresh VM instance",
	Long: `Create wipes any existing instance at the target directory and writes a
fresh one with the given configuration. Run "macvm install" afterwards to
install macOS onto it.`,
	RunE: runCreate,
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createFlags.configFile, "config", "", "configuration file to load")
	f.IntVar(&createFlags.cpus, "cpus", 0, "number of virtual CPUs")
	f.StringVar(&createFlags.memory, "memory", "", "guest memory size (e.g. 8GiB)")
	f.IntVar(&createFlags.width, "width", 0, "screen width in points")
	f.IntVar(&createFlags.height, "height", 0, "screen height in points")
	f.IntVar(&createFlags.scale, "scale", 0, "screen scale factor")
	f.StringVar(&createFlags.sharedDir, "shared-dir", "", "host directory to share read-write into the guest")
	f.IntVar(&createFlags.debugPort, "debug-port", 0, "attach a remote debug stub on this port")
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if createFlags.configFile != "" {
		loaded, err := config.Load(createFlags.configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("cpus") {
		cfg.CPUCount = createFlags.cpus
	}
	if cmd.Flags().Changed("memory") {
		size, err := units.RAMInBytes(createFlags.memory)
		if err != nil {
			return fmt.Errorf("parse memory size %q: %w", createFlags.memory, err)
		}
		cfg.MemorySize = uint64(size)
	}
	if cmd.Flags().Changed("width") {
		cfg.ScreenWidth = createFlags.width
	}
	if cmd.Flags().Changed("height") {
		cfg.ScreenHeight = createFlags.height
	}
	if cmd.Flags().Changed("scale") {
		cfg.ScreenScale = createFlags.scale
	}
	if cmd.Flags().Changed("shared-dir") {
		cfg.SharedDirectoryPath = createFlags.sharedDir
	}
	if cmd.Flags().Changed("debug-port") {
		cfg.DebugPort = createFlags.debugPort
	}

	dir, err := resolveDir()
	if err != nil {
		return err
	}
	host, err := newHost()
	if err != nil {
		return err
	}
	if _, err := instance.Create(dir, host, cfg); err != nil {
		return err
	}
	fmt.Printf("Created instance at %s\n", dir)
	return nil
}
