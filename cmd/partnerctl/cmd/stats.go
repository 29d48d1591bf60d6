package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/partnerbatch/pkg/metrics"
)

var metricsURL string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show page, run and queue counters from partnerd's metrics listener",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVar(&metricsURL, "metrics-url", "", "metrics endpoint (default from config or http://localhost:9090/metrics)")
}

func runStats(cmd *cobra.Command, args []string) error {
	url := metricsURL
	if url == "" {
		url = viper.GetString("metrics_url")
	}
	if url == "" {
		url = "http://localhost:9090/metrics"
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach metrics endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics endpoint returned status %d", resp.StatusCode)
	}

	samples, err := metrics.ParseText(resp.Body, "partnerbatch_")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if isJSONOutput() {
		return printJSON(out, samples)
	}
	table := newTable(out, "Metric", "Labels", "Value")
	for _, s := range samples {
		table.Append(s.Name, s.LabelString(), fmt.Sprintf("%g", s.Value))
	}
	return table.Render()
}
