package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/coreguard/coreguard/pkg/models"
)

var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Control the proxy engine",
	Long:  `Commands for starting, stopping and restarting the supervised proxy engine.`,
}

var engineStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postDaemon("/engine/start")
	},
}

var engineStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postDaemon("/engine/stop")
	},
}

var engineRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postDaemon("/engine/restart")
	},
}

var engineSwitchCmd = &cobra.Command{
	Use:   "switch <variant>",
	Short: "Switch the engine variant",
	Long: `Switches the engine to another variant. The new variant's config is
generated and validated first; a failed switch leaves the engine running
under the previous configuration.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		variant, err := models.ParseVariant(args[0])
		if err != nil {
			return err
		}
		body, _ := json.Marshal(map[string]string{"variant": variant.String()})
		return postDaemonBody("/engine/variant", body)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the engine status",
	RunE:  runStatus,
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Push regenerated config to the running engine",
	Long:  `Regenerates and validates the run configuration, then pushes it to the running engine without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequest(http.MethodPut, GetDaemonURL()+"/configs", nil)
		if err != nil {
			return err
		}
		return doDaemon(req)
	},
}

func init() {
	rootCmd.AddCommand(engineCmd)
	engineCmd.AddCommand(engineStartCmd)
	engineCmd.AddCommand(engineStopCmd)
	engineCmd.AddCommand(engineRestartCmd)
	engineCmd.AddCommand(engineSwitchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reloadCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := getDaemon("/status")
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

	var st models.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	changed := "-"
	if st.StateChangedAt > 0 {
		changed = time.UnixMilli(st.StateChangedAt).Format(time.RFC3339)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("State", "Mode", "Variant", "Changed")
	table.Append(string(st.State), string(st.Mode), st.Variant, changed)
	table.Render()
	return nil
}

func postDaemon(path string) error {
	return postDaemonBody(path, nil)
}

func postDaemonBody(path string, body []byte) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(http.MethodPost, GetDaemonURL()+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return doDaemon(req)
}

// getDaemon issues an authenticated GET against the daemon API.
func getDaemon(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, GetDaemonURL()+path, nil)
	if err != nil {
		return nil, err
	}
	addAuth(req)
	client := &http.Client{Timeout: 30 * time.Second}
	return client.Do(req)
}

func addAuth(req *http.Request) {
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}
}

func doDaemon(req *http.Request) error {
	addAuth(req)
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon API: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	fmt.Println(string(bytes.TrimSpace(body)))
	return nil
}
