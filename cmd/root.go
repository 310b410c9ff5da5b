package cmd

import (
	"github.com/spf13/cobra"

	"github.com/adalundhe/callguard/core/config"
)

var (
	configPaths []string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "callguard",
	Short: "Callguard - resilience for outbound model calls",
	Long: `Callguard guards outbound calls to model providers with a response cache,
tiered admission control, per-provider circuit breakers and retry backoff.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", []string{"callguard.yaml"},
		"config files, later ones override earlier ones (missing files are skipped)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

// loadConfig reads the configured files and environment.
func loadConfig() (*config.Config, error) {
	m := config.NewManager(configPaths)
	if err := m.Load(); err != nil {
		return nil, err
	}

	cfg := *m.Get()
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
