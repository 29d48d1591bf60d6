package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/partnerbatch/pkg/auth"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key and its bcrypt hash",
	Long: `Prints a new API key for partnerctl and the bcrypt hash to put in
server.api_keys, so the plain key never has to be stored on the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "API key: %s\n", key)
		fmt.Fprintf(out, "Hash:    %s\n", hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
