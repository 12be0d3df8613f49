package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vizzly-testing/engine/internal/baselinestore"
	"github.com/vizzly-testing/engine/internal/config"
	"github.com/vizzly-testing/engine/internal/currentstore"
	"github.com/vizzly-testing/engine/internal/discovery"
	"github.com/vizzly-testing/engine/internal/hotspots"
	"github.com/vizzly-testing/engine/internal/ingestserver"
	"github.com/vizzly-testing/engine/internal/tddservice"
	"github.com/vizzly-testing/engine/internal/vzlog"
)

func newStartCmd() *cobra.Command {
	var port int
	var setBaseline bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the engine against the working directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := workingDir(cmd)
			if err != nil {
				return err
			}
			return runStart(dir, port, setBaseline)
		},
	}
	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "port to bind the ingest server to")
	cmd.Flags().BoolVar(&setBaseline, "set-baseline", false, "treat every submitted screenshot this run as a new baseline")
	return cmd
}

func runStart(dir string, port int, setBaseline bool) error {
	cfg := config.Default().FromEnv()
	cfg.WorkingDir = dir
	cfg.Port = port
	cfg.SetBaseline = setBaseline
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := vzlog.New(os.Stdout)
	if cfg.LogLevel != `` {
		if err := log.SetLevelString(cfg.LogLevel); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
		}
	}

	vizzlyDir := filepath.Join(cfg.WorkingDir, ".vizzly")

	bs, err := baselinestore.Open(vizzlyDir)
	if err != nil {
		return fmt.Errorf("opening baseline store: %w", err)
	}
	cs, err := currentstore.Open(vizzlyDir)
	if err != nil {
		return fmt.Errorf("opening current store: %w", err)
	}
	if setBaseline {
		if err := cs.Clear(); err != nil {
			return fmt.Errorf("clearing current store: %w", err)
		}
		if err := bs.Clear(); err != nil {
			return fmt.Errorf("clearing baseline store for --set-baseline: %w", err)
		}
	}
	hs := hotspots.Open(vizzlyDir)
	svc := tddservice.New(cfg, bs, cs, hs, log)

	if cfg.Token != `` {
		if res, err := svc.Sync(context.Background()); err != nil {
			log.Warn("startup baseline sync failed, continuing with local baselines: %v", err)
		} else {
			log.Info("synced build %s: downloaded=%d skipped=%d failed=%d", res.BuildID, res.Downloaded, res.Skipped, res.Failed)
		}
	}

	disc, err := discovery.Acquire(vizzlyDir, discovery.Descriptor{
		PID:        os.Getpid(),
		Port:       cfg.Port,
		StartTime:  time.Now().UTC(),
		BuildID:    svc.BuildID(),
		FailOnDiff: cfg.FailOnDiff,
	})
	if err != nil {
		return fmt.Errorf("acquiring engine lock: %w", err)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	srv := ingestserver.New(addr, svc, disc, log)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received %s, shutting down", sig)
		svc.PrintResults()
		if err := srv.Shutdown(); err != nil {
			log.Error("error during shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		_ = disc.Release()
		return fmt.Errorf("ingest server stopped: %w", err)
	}
}
