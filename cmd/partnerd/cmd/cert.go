package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	tlsutil "github.com/psantana5/partnerbatch/pkg/tls"
)

var (
	certOut   string
	certHosts []string
	certDays  int
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Generate a self-signed TLS certificate for development",
	Long: `Writes <out>/partnerd.crt and <out>/partnerd.key. Point server.tls_cert and
server.tls_key at them, and pass the certificate to partnerctl with --ca.`,
	RunE: runCert,
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.Flags().StringVar(&certOut, "out", "certs", "output directory")
	certCmd.Flags().StringSliceVar(&certHosts, "host", nil, "extra IP addresses or hostnames for the certificate")
	certCmd.Flags().IntVar(&certDays, "days", 365, "validity in days")
}

func runCert(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(certOut, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", certOut, err)
	}
	certFile := filepath.Join(certOut, "partnerd.crt")
	keyFile := filepath.Join(certOut, "partnerd.key")

	validFor := time.Duration(certDays) * 24 * time.Hour
	if err := tlsutil.GenerateSelfSignedCert(certFile, keyFile, "partnerd", validFor, certHosts...); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Certificate: %s\nKey:         %s\n", certFile, keyFile)
	return nil
}
