package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/partnerbatch/pkg/logging"
)

var logrotateDir string

var logrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate config for partnerd's log file",
	Long: `Prints a logrotate stanza for the log file under logging.dir (or --dir).
Use it instead of logging.max_size_mb when logrotate manages the host's logs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := logrotateDir
		if dir == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir = cfg.Logging.Dir
			if cfg.Logging.MaxSizeMB > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: logging.max_size_mb is %d; partnerd also rotates this file\n", cfg.Logging.MaxSizeMB)
			}
		}
		fmt.Fprint(cmd.OutOrStdout(), logging.GenerateLogrotateConfig("partnerd", dir))
		return nil
	},
}

func init() {
	logrotateCmd.Flags().StringVar(&logrotateDir, "dir", "", "log directory (default logging.dir)")
	rootCmd.AddCommand(logrotateCmd)
}
