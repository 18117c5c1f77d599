package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	client "handoff/clients/go"
)

var (
	serverAddr string
	identity   string
	timeout    time.Duration
	output     string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:          "handoffctl",
		Short:        "handoffctl - handoff directory CLI",
		Long:         `handoffctl deposits, claims and watches handoff records on a handoffd server`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch output {
			case "text", "yaml", "json":
				return nil
			default:
				return fmt.Errorf("--output must be text, yaml or json, got %q", output)
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:7400", "Server address")
	rootCmd.PersistentFlags().StringVar(&identity, "identity", "", "Subscriber identity (random when empty)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format: text, yaml or json")

	// Add subcommands
	rootCmd.AddCommand(initiateCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(subscribeCmd())
	rootCmd.AddCommand(unsubscribeCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(clusterCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context) (*client.Client, error) {
	return client.New(ctx, serverAddr, &client.Options{
		Insecure:    true,
		DialTimeout: timeout,
		Timeout:     timeout,
		Identity:    identity,
	})
}
