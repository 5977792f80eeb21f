package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Printf("orderdesk exited with error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()

	root := &cobra.Command{
		Use:           "orderdesk",
		Short:         "Classify quotation documents and extract order data",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Running without a subcommand serves.
		RunE: serve.RunE,
	}
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve, newKeygenCmd(), newVersionCmd())
	return root
}

func newKeygenCmd() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a random value for API_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if size < 32 {
				return fmt.Errorf("keygen: --bytes must be at least 32, got %d", size)
			}
			b := make([]byte, size)
			if _, err := rand.Read(b); err != nil {
				return fmt.Errorf("keygen: %w", err)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), base64.RawURLEncoding.EncodeToString(b))
			return err
		},
	}
	cmd.Flags().IntVar(&size, "bytes", 32, "number of random bytes")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
