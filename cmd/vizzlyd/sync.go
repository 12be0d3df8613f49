package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vizzly-testing/engine/internal/baselinestore"
	"github.com/vizzly-testing/engine/internal/baselinesync"
	"github.com/vizzly-testing/engine/internal/config"
	"github.com/vizzly-testing/engine/internal/hotspots"
	"github.com/vizzly-testing/engine/internal/vzlog"
)

func newSyncCmd() *cobra.Command {
	var project, branch, buildID, environment string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download a remote build's baselines into the local store (requires VIZZLY_TOKEN)",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := workingDir(cmd)
			if err != nil {
				return err
			}
			return runSync(dir, project, branch, buildID, environment)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "remote project slug (defaults to $VIZZLY_PROJECT)")
	cmd.Flags().StringVar(&branch, "branch", "", "branch to resolve the latest completed build on (defaults to $VIZZLY_BRANCH, then \"main\")")
	cmd.Flags().StringVar(&buildID, "build", "", "exact remote build id to sync, overriding branch resolution (defaults to $VIZZLY_BUILD_ID)")
	cmd.Flags().StringVar(&environment, "environment", "", "environment to filter the latest build by (defaults to $VIZZLY_ENVIRONMENT)")
	return cmd
}

func runSync(dir, project, branch, buildID, environment string) error {
	cfg := config.Default().FromEnv()
	cfg.WorkingDir = dir
	if project != `` {
		cfg.Project = project
	}
	if branch != `` {
		cfg.Branch = branch
	}
	if buildID != `` {
		cfg.BuildID = buildID
	}
	if environment != `` {
		cfg.Environment = environment
	}
	if cfg.Token == `` {
		return fmt.Errorf("sync requires VIZZLY_TOKEN to be set")
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
	hs := hotspots.Open(vizzlyDir)

	api := baselinesync.NewHTTPAPI(cfg.APIBaseURL, cfg.Token)
	syncer := baselinesync.New(api, bs, hs, log)

	res, err := syncer.DownloadBaselines(context.Background(), cfg.Project, cfg.Branch, cfg.BuildID, cfg.Environment)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	fmt.Printf("synced build %s: downloaded=%d skipped=%d failed=%d\n",
		res.BuildID, res.Downloaded, res.Skipped, res.Failed)
	return nil
}
