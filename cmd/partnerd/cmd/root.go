// Package cmd implements the partnerd command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/psantana5/partnerbatch/pkg/config"
)

var (
	cfgFile  string
	envFiles []string
	v        = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "partnerd",
	Short: "Partner program batch job service",
	Long: `partnerd runs the partner program's batch jobs: discount code sync, payouts,
campaign emails, rankings, similarity, bounty submissions and exports. Jobs run
one page at a time; each page enqueues the next through the queue.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./partnerd.yaml or /etc/partnerd/partnerd.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "log JSON lines")

	// Flags override config only when set
	_ = v.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("logging.json", rootCmd.PersistentFlags().Lookup("log-json"))
}

func loadConfig() (*config.Config, error) {
	return config.Load(v, config.LoadOptions{ConfigFile: cfgFile, EnvFiles: envFiles})
}
