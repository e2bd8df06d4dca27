package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var logsLines int

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent engine output",
	RunE:  runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "number of lines to show (0 for all retained)")
}

func runLogs(cmd *cobra.Command, args []string) error {
	resp, err := getDaemon(fmt.Sprintf("/logs?n=%d", logsLines))
	if err != nil {
		return fmt.Errorf("failed to connect to daemon API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Lines []string `json:"lines"`
		Count int      `json:"count"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	for _, line := range result.Lines {
		fmt.Println(line)
	}
	return nil
}
