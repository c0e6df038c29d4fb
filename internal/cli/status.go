package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kstrand/macvm/internal/instance"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show instance status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	meta := inst.Metadata()
	info := inst.HostInfo()
	fmt.Printf("Instance:  %s\n", dir)
	fmt.Printf("Installed: %v\n", meta.Installed)
	if meta.MACAddress != "" {
		fmt.Printf("MAC:       %s\n", meta.MACAddress)
	}
	if cfg := meta.Configuration; cfg != nil {
		fmt.Printf("CPUs:      %d\n", cfg.CPUCount)
		fmt.Printf("Memory:    %d bytes\n", cfg.MemorySize)
	}
	fmt.Printf("Host:      %s %s (%s)\n", info.Name, info.Version, info.Arch)
	return nil
}
