package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, cron routes, queue dispatcher and scheduler",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.String("addr", "", "API listen address (default :8080)")
	flags.String("metrics-addr", "", "metrics listen address, empty to use the config value")
	flags.String("public-url", "", "base URL the queue calls back")
	flags.String("store", "", "store type: memory, sqlite or postgres")
	flags.String("dsn", "", "SQLite path or PostgreSQL connection string")
	flags.String("queue", "", "queue mode: local or hosted")
	flags.String("schedules", "", "schedules YAML file")

	for key, name := range map[string]string{
		"server.addr":         "addr",
		"server.metrics_addr": "metrics-addr",
		"server.public_url":   "public-url",
		"store.type":          "store",
		"store.dsn":           "dsn",
		"queue.mode":          "queue",
		"jobs.schedules_file": "schedules",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("Failed to start partnerd", map[string]interface{}{"error": err.Error()})
		return err
	}
	return a.run(context.Background())
}
