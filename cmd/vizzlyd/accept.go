package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/vizzly-testing/engine/internal/discovery"
)

func runningServerURL(dir string) (string, error) {
	vizzlyDir := filepath.Join(dir, ".vizzly")
	d, err := discovery.Read(vizzlyDir)
	if err != nil {
		return "", fmt.Errorf("no running engine found in %s: %w", dir, err)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", d.Port), nil
}

func newAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept the current screenshot for a comparison id as its new baseline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := workingDir(cmd)
			if err != nil {
				return err
			}
			base, err := runningServerURL(dir)
			if err != nil {
				return err
			}
			body, _ := json.Marshal(map[string]string{"id": args[0]})
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Post(base+"/accept", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("calling /accept: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("accept failed with status %d", resp.StatusCode)
			}
			fmt.Println("accepted", args[0])
			return nil
		},
	}
}

func newAcceptAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept-all",
		Short: "Accept every currently failing comparison as its new baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := workingDir(cmd)
			if err != nil {
				return err
			}
			base, err := runningServerURL(dir)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Post(base+"/acceptAll", "application/json", bytes.NewReader(nil))
			if err != nil {
				return fmt.Errorf("calling /acceptAll: %w", err)
			}
			defer resp.Body.Close()
			var body map[string]int
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			fmt.Printf("accepted %d baselines\n", body["accepted"])
			return nil
		},
	}
}
