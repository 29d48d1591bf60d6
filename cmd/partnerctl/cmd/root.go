// Package cmd implements the partnerctl command line.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/partnerbatch/pkg/client"
	tlsutil "github.com/psantana5/partnerbatch/pkg/tls"
)

var (
	serverURL    string
	apiKey       string
	caFile       string
	outputFormat string
	cfgFile      string
)

var rootCmd = &cobra.Command{
	Use:   "partnerctl",
	Short: "CLI for the partnerd batch job service",
	Long: `partnerctl starts, inspects and cancels partnerd job runs, confirms
program payouts and shows the local queue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.partnerctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "partnerd URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default from config or PARTNERD_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "CA certificate for a self-signed partnerd")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json")
}

// initConfig fills unset flags from the config file and environment
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".partnerctl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.BindEnv("server_url", "PARTNERD_URL")
	viper.BindEnv("api_key", "PARTNERD_API_KEY")
	viper.BindEnv("ca_file", "PARTNERD_CA")
	viper.BindEnv("metrics_url", "PARTNERD_METRICS_URL")

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Warning: failed to read config %s: %v\n", cfgFile, err)
	}

	if serverURL == "" {
		serverURL = viper.GetString("server_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if caFile == "" {
		caFile = viper.GetString("ca_file")
	}
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
}

// newClient builds an API client from the resolved settings
func newClient() (*client.Client, error) {
	var opts []client.Option
	if caFile != "" {
		tlsConfig, err := tlsutil.ClientConfig(caFile, "", "")
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithTLS(tlsConfig))
	}
	return client.New(strings.TrimRight(serverURL, "/"), apiKey, opts...), nil
}

func isJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(w io.Writer, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(w, string(out))
	return nil
}

func newTable(w io.Writer, header ...any) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.Header(header...)
	return table
}
