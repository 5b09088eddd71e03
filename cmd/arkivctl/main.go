// arkivctl is the command-line client for the ingestion service: it uploads
// single files over chunked sessions and drives multi-file batches.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagServer string
	flagAPIKey string
	flagTenant string
)

func main() {
	root := &cobra.Command{
		Use:           "arkivctl",
		Short:         "Client for the arkiv ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagServer, "server", envOr("ARKIV_SERVER", "http://localhost:8080"), "server base URL")
	root.PersistentFlags().StringVar(&flagAPIKey, "api-key", os.Getenv("ARKIV_API_KEY"), "service API key")
	root.PersistentFlags().StringVar(&flagTenant, "tenant", os.Getenv("ARKIV_TENANT"), "tenant id")

	root.AddCommand(newUploadCmd())
	root.AddCommand(newBatchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() (*client, error) {
	if flagAPIKey == "" {
		return nil, fmt.Errorf("--api-key (or ARKIV_API_KEY) is required")
	}
	if flagTenant == "" {
		return nil, fmt.Errorf("--tenant (or ARKIV_TENANT) is required")
	}
	return &client{base: flagServer, apiKey: flagAPIKey, tenant: flagTenant}, nil
}
