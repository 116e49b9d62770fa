package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/siddimore/x402-payer/pkg/x402"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show spend caps and rolling-hour usage",
	Long: `Shows the configured spend caps. With --redis, also reports the
fleet-shared rolling-hour usage from the Redis spend limiter. Without it
there is no cross-run state to show: the in-memory limiter lives and dies
with each process.`,
	RunE: runBudget,
}

func init() {
	budgetCmd.Flags().String("redis", "", "Redis address of the shared spend limiter, e.g. localhost:6379")
	budgetCmd.Flags().String("redis-password", "", "Redis password")
	budgetCmd.Flags().Int("redis-db", 0, "Redis database")
	budgetCmd.Flags().String("prefix", "", "Spend key prefix override")
}

func runBudget(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	policy := cfg.Policy()
	fmt.Printf("Per-payment cap:  %s\n", capString(policy.MaxPerTx))
	fmt.Printf("Rolling-hour cap: %s\n", capString(policy.MaxPerHour))

	addr, _ := cmd.Flags().GetString("redis")
	if addr == "" {
		fmt.Println("\nNo shared limiter given; pass --redis to inspect fleet usage.")
		return nil
	}

	password, _ := cmd.Flags().GetString("redis-password")
	db, _ := cmd.Flags().GetInt("redis-db")

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis at %s: %w", addr, err)
	}

	var opts []x402.RedisLimiterOption
	if prefix, _ := cmd.Flags().GetString("prefix"); prefix != "" {
		opts = append(opts, x402.WithSpendKeyPrefix(prefix))
	}
	limiter := x402.NewRedisSpendLimiter(rdb, policy, opts...)

	usage, err := limiter.Snapshot(cmd.Context())
	if err != nil {
		return err
	}
	if len(usage) == 0 {
		fmt.Println("\nNothing spent in the last hour.")
		return nil
	}

	fmt.Println("\nRolling-hour usage:")
	for currency, u := range usage {
		line := fmt.Sprintf("  %-6s spent %s over %d payments", currency, u.Spent, u.Payments)
		if policy.MaxPerHour.IsPositive() {
			remaining := policy.MaxPerHour.Sub(u.Spent)
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}
			line += fmt.Sprintf(" (remaining %s)", remaining)
		}
		fmt.Println(line)
	}
	return nil
}

func capString(amount decimal.Decimal) string {
	if !amount.IsPositive() {
		return "unlimited"
	}
	return amount.String()
}
