package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/siddimore/x402-payer/pkg/x402"
)

// fileConfig is the payctl config file shape. Amounts are strings so they
// parse through decimal with real error messages.
type fileConfig struct {
	SidecarURL         string        `mapstructure:"sidecar_url"`
	WalletNote         string        `mapstructure:"wallet_note"`
	WalletNotePassword string        `mapstructure:"wallet_note_password"`
	MaxSpendTx         string        `mapstructure:"max_spend_tx"`
	MaxSpendHourly     string        `mapstructure:"max_spend_hourly"`
	MaxRetries         int           `mapstructure:"max_retries"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	PaymentsPerMinute  int           `mapstructure:"payments_per_minute"`
	DryRun             bool          `mapstructure:"dry_run"`
	Debug              bool          `mapstructure:"debug"`
}

// loadConfig merges, lowest precedence first: X402_* environment, the
// --config file, and explicit flags.
func loadConfig() (x402.Config, error) {
	cfg, err := x402.FromEnv()
	if err != nil {
		return x402.Config{}, err
	}

	if flagConfig != "" {
		if err := mergeConfigFile(&cfg, flagConfig); err != nil {
			return x402.Config{}, err
		}
	}

	flags := rootCmd.PersistentFlags()
	if flags.Changed("sidecar") {
		cfg.SidecarURL = flagSidecar
	}
	if flags.Changed("max-tx") {
		amount, err := decimal.NewFromString(flagMaxTx)
		if err != nil {
			return x402.Config{}, fmt.Errorf("invalid --max-tx %q", flagMaxTx)
		}
		cfg.MaxSpendPerTx = amount
	}
	if flags.Changed("max-hourly") {
		amount, err := decimal.NewFromString(flagMaxHourly)
		if err != nil {
			return x402.Config{}, fmt.Errorf("invalid --max-hourly %q", flagMaxHourly)
		}
		cfg.MaxSpendHourly = amount
	}
	if flags.Changed("dry-run") {
		cfg.DryRun = flagDryRun
	}
	if flags.Changed("debug") {
		cfg.Debug = flagDebug
	}

	if err := cfg.Validate(); err != nil {
		return x402.Config{}, err
	}
	return cfg, nil
}

func mergeConfigFile(cfg *x402.Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config file: %w", err)
	}

	var file fileConfig
	if err := v.Unmarshal(&file); err != nil {
		return fmt.Errorf("config file: %w", err)
	}

	if file.SidecarURL != "" {
		cfg.SidecarURL = file.SidecarURL
	}
	if file.WalletNote != "" {
		cfg.WalletNote = file.WalletNote
	}
	if file.WalletNotePassword != "" {
		cfg.WalletNotePassword = file.WalletNotePassword
	}
	if file.MaxSpendTx != "" {
		amount, err := decimal.NewFromString(file.MaxSpendTx)
		if err != nil {
			return fmt.Errorf("config file: max_spend_tx: bad amount %q", file.MaxSpendTx)
		}
		cfg.MaxSpendPerTx = amount
	}
	if file.MaxSpendHourly != "" {
		amount, err := decimal.NewFromString(file.MaxSpendHourly)
		if err != nil {
			return fmt.Errorf("config file: max_spend_hourly: bad amount %q", file.MaxSpendHourly)
		}
		cfg.MaxSpendHourly = amount
	}
	if file.MaxRetries > 0 {
		cfg.MaxRetries = file.MaxRetries
	}
	if file.Timeout > 0 {
		cfg.Timeout = file.Timeout
	}
	if file.RetryDelay > 0 {
		cfg.RetryDelay = file.RetryDelay
	}
	if file.PaymentsPerMinute > 0 {
		cfg.PaymentsPerMinute = file.PaymentsPerMinute
	}
	if v.IsSet("dry_run") {
		cfg.DryRun = file.DryRun
	}
	if v.IsSet("debug") {
		cfg.Debug = file.Debug
	}
	return nil
}

// newClient builds a paying client from the merged configuration.
func newClient() (*x402.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var opts []x402.ClientOption
	if flagPolicy != "" {
		policies, err := x402.LoadPolicyFile(flagPolicy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, x402.WithPolicies(policies))
	}

	return x402.NewClient(cfg, opts...)
}

// newSidecar builds just the sidecar client, for wallet commands that never
// touch a paywall.
func newSidecar() (*x402.SidecarClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	return x402.NewSidecarClient(x402.SidecarConfig{
		URL:                cfg.SidecarURL,
		WalletNote:         cfg.WalletNote,
		WalletNotePassword: cfg.WalletNotePassword,
	})
}
