package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/vizzly-testing/engine/internal/discovery"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the running engine's discovery info and current results summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := workingDir(cmd)
			if err != nil {
				return err
			}
			return runStatus(dir)
		},
	}
}

func runStatus(dir string) error {
	vizzlyDir := filepath.Join(dir, ".vizzly")
	d, err := discovery.Read(vizzlyDir)
	if err != nil {
		fmt.Println("no engine running in", dir)
		return nil
	}
	fmt.Printf("pid=%d port=%d startTime=%s buildId=%s failOnDiff=%v\n",
		d.PID, d.Port, d.StartTime.Format(time.RFC3339), d.BuildID, d.FailOnDiff)

	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/results", d.Port)
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("fetching results: %w", err)
	}
	defer resp.Body.Close()

	var summary struct {
		Total  int `json:"Total"`
		Passed int `json:"Passed"`
		Failed int `json:"Failed"`
		New    int `json:"New"`
		Errors int `json:"Errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return fmt.Errorf("decoding results: %w", err)
	}
	fmt.Printf("total=%d passed=%d failed=%d new=%d errors=%d\n",
		summary.Total, summary.Passed, summary.Failed, summary.New, summary.Errors)
	return nil
}
