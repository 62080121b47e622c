// Command settlectl runs settlement jobs and maintenance tasks against the
// configured store without starting the HTTP server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Warp settlement engine operations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("verbose", false, "Log engine activity to stderr")

	rootCmd.AddCommand(
		sweepCmd(),
		payoutsCmd(),
		seedCmd(),
		tokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
