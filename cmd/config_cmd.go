package cmd

import (
	"fmt"
	"maps"

	"github.com/spf13/cobra"

	"github.com/adalundhe/callguard/core/config"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect callguard configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after defaults, files and CALLGUARD_* environment overrides. API keys are redacted.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration without starting anything",
	RunE:  runConfigValidate,
}

var configDefaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Print the built-in default configuration",
	RunE:  runConfigDefault,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configDefaultCmd)

	configCmd.PersistentFlags().StringVarP(&configFormat, "output", "o", formatYAML, "output format: yaml, json")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return writeStructured(cmd.OutOrStdout(), configFormat, redact(cfg))
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid (%d providers, cache=%s, rate_limit=%s)\n",
		len(cfg.Providers), cfg.Cache.Backend, cfg.RateLimit.Store)
	return nil
}

func runConfigDefault(cmd *cobra.Command, args []string) error {
	return writeStructured(cmd.OutOrStdout(), configFormat, config.DefaultConfig())
}

// redact returns a copy of cfg with secrets masked.
func redact(cfg *config.Config) *config.Config {
	out := *cfg
	if out.Redis.Password != "" {
		out.Redis.Password = "****"
	}

	out.Providers = maps.Clone(cfg.Providers)
	for name, p := range out.Providers {
		if p.APIKey != "" {
			p.APIKey = maskKey(p.APIKey)
		}
		if len(p.HTTP.Headers) > 0 {
			p.HTTP.Headers = maps.Clone(p.HTTP.Headers)
			for k := range p.HTTP.Headers {
				p.HTTP.Headers[k] = "****"
			}
		}
		out.Providers[name] = p
	}
	return &out
}

// maskKey keeps the last four characters of long keys.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
