// Package cli provides the command-line interface for macvm.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kstrand/macvm/internal/config"
	"github.com/kstrand/macvm/pkg/hypervisor"
)

var instanceDir string

var rootCmd = &cobra.Command{
	Use:   "macvm",
	Short: "macvm - macOS guest VMs on Virtualization.framework",
	Long: `macvm manages the full lifecycle of a single macOS guest VM: create its
durable on-disk state, install macOS from a restore image onto a virtual
disk, and run it with graphics, networking, and optional host directory
sharing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&instanceDir, "dir", "", "instance directory (default ~/.macvm/default)")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func resolveDir() (string, error) {
	if instanceDir != "" {
		return instanceDir, nil
	}
	return config.DefaultInstanceDir()
}

func newHost() (hypervisor.Host, error) {
	host, err := hypervisor.NewHost()
	if err != nil {
		return nil, fmt.Errorf("create host platform: %w", err)
	}
	return host, nil
}
