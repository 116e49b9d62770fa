// payctl - command line driver for the x402 paying client
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	flagConfig    string
	flagSidecar   string
	flagMaxTx     string
	flagMaxHourly string
	flagPolicy    string
	flagDryRun    bool
	flagDebug     bool

	rootCmd *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "payctl",
		Short: "payctl - buy x402-gated resources from the command line",
		Long: `payctl drives the x402 paying client: fetch paywalled URLs, probe
prices without paying, and inspect wallet and budget state. Payment proofs
come from the signing sidecar; payctl never sees key material.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&flagSidecar, "sidecar", "", "Signing sidecar URL")
	rootCmd.PersistentFlags().StringVar(&flagMaxTx, "max-tx", "", "Per-payment cap, e.g. 0.10")
	rootCmd.PersistentFlags().StringVar(&flagMaxHourly, "max-hourly", "", "Rolling-hour cap, e.g. 5.00")
	rootCmd.PersistentFlags().StringVar(&flagPolicy, "policy", "", "Per-host spend policy file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "Simulate payments instead of paying")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Verbose payment flow logging")
}

func main() {
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(budgetCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
