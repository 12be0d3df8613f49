package main

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vizzly-testing/engine/internal/discovery"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the engine running against the working directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := workingDir(cmd)
			if err != nil {
				return err
			}
			return runStop(dir)
		},
	}
}

func runStop(dir string) error {
	vizzlyDir := filepath.Join(dir, ".vizzly")
	d, err := discovery.Read(vizzlyDir)
	if err != nil {
		return fmt.Errorf("no running engine found in %s: %w", dir, err)
	}
	proc, err := os.FindProcess(d.PID)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", d.PID, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling process %d: %w", d.PID, err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := discovery.Read(vizzlyDir); err != nil {
			fmt.Println("engine stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("engine did not exit within the grace period")
}
