package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/funnel"
)

func sweepCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep timeouts|overlays|bonuses|all",
		Short: "Trigger a sweep on a running daemon",
		Long: `Ask a running daemon to run one sweep now. Use it from cron or any
other scheduler when the in-process ticker is disabled.

Examples:
  funnel sweep all
  funnel sweep bonuses --addr http://funnel.internal:8080`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{funnel.SweepTimeouts, funnel.SweepOverlays, funnel.SweepBonuses, funnel.SweepAll},
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: timeout}
			n, err := triggerSweep(client, addr, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sweep %s: %d processed\n", args[0], n)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Base URL of the daemon")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Request timeout")

	return cmd
}

type sweepResponse struct {
	Sweep     string `json:"sweep"`
	Processed int    `json:"processed"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func triggerSweep(client *http.Client, addr, name string) (int, error) {
	url := strings.TrimRight(addr, "/") + "/sweeps/" + name
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("sweep %s: read response: %w", name, err)
	}
	var out sweepResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("sweep %s: %s: %s", name, resp.Status, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return out.Processed, fmt.Errorf("sweep %s: %s", name, msg)
	}
	return out.Processed, nil
}
