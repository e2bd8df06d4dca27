package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	daemonURL    string
	outputFormat string
	apiToken     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "coreguard",
	Short: "Supervisor for the proxy engine",
	Long: `coreguard supervises the lifecycle of the proxy engine: it starts, stops,
restarts and recovers the engine process, either as a directly-owned child
process or delegated to the privileged helper service.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "settings file (default is $HOME/.coreguard/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&daemonURL, "daemon", "", "daemon API URL (default from config or http://127.0.0.1:9877)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "bearer token for the daemon API (default from config)")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".coreguard"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("COREGUARD")
	viper.AutomaticEnv()
	viper.BindEnv("daemon_url", "COREGUARD_DAEMON_URL")
	viper.BindEnv("api_token", "COREGUARD_API_TOKEN")

	if err := viper.ReadInConfig(); err == nil {
		if daemonURL == "" && viper.GetString("daemon_url") != "" {
			daemonURL = viper.GetString("daemon_url")
		}
	}

	if daemonURL == "" && viper.GetString("daemon_url") != "" {
		daemonURL = viper.GetString("daemon_url")
	}
	if daemonURL == "" {
		daemonURL = "http://127.0.0.1:9877"
	}
	if apiToken == "" {
		apiToken = viper.GetString("api_token")
	}
}

// GetDaemonURL returns the configured daemon URL with trailing slashes removed
func GetDaemonURL() string {
	return strings.TrimRight(daemonURL, "/")
}

// SettingsPath returns the settings file path the daemon should use
func SettingsPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./coreguard.yaml"
	}
	return filepath.Join(home, ".coreguard", "config.yaml")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}
