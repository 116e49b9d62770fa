package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the shielded wallet balance",
	RunE:  runBalance,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the signing sidecar",
	RunE:  runHealth,
}

func runBalance(cmd *cobra.Command, args []string) error {
	sidecar, err := newSidecar()
	if err != nil {
		return err
	}

	balance, err := sidecar.Balance(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Balance: %s USDC\n", balance.Total)
	fmt.Printf("Notes:   %d (largest %s, smallest %s)\n", balance.NoteCount, balance.LargestNote, balance.SmallestNote)
	fmt.Printf("Chain:   %s\n", balance.Chain)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	sidecar, err := newSidecar()
	if err != nil {
		return err
	}

	health, err := sidecar.Health(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Status:  %s\n", health.Status)
	fmt.Printf("Version: %s\n", health.Version)
	fmt.Printf("Mode:    %s\n", health.Mode)
	fmt.Printf("Uptime:  %.0fs\n", health.Uptime)
	fmt.Printf("Chains:  %s\n", strings.Join(health.Chains, ", "))
	return nil
}
