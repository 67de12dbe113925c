// Command flockgate is the operator tool for a flockgate deployment: it
// manages the account registry and proxy list the orchestrator runs on and
// validates its configuration.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/flockgate/flockgate/config"
	"github.com/flockgate/flockgate/log"
)

// version is injected at build time via ldflags.
var version = "dev"

var (
	flagConfig string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:   "flockgate",
	Short: "Administer a flockgate account fleet",
	Long: `flockgate is the operator tool for the flockgate scraping gateway.

It edits the same files the orchestrator reads: the account registry
(data.json) and the proxy list (proxies.txt). Accounts locked or suspended
by the upstream stay out of dispatch until an operator unlocks or removes
them here.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "Path to configuration file; defaults apply when omitted")
	pf.BoolVar(&flagDebug, "debug", false, "Print debug logs")

	rootCmd.AddCommand(accountsCmd, proxiesCmd, configCmd, versionCmd)
}

// loadConfig reads the config file named by --config, or the built-in
// defaults when the flag is empty, and applies the log settings.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if flagConfig != "" {
		var err error
		cfg, err = config.LoadFile(flagConfig)
		if err != nil {
			return nil, err
		}
	}
	if err := log.InitReplacer(cfg.Log.Masks); err != nil {
		return nil, err
	}
	log.SetDebug(flagDebug || cfg.Log.Debug)
	log.SetFileOutput(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays)
	return cfg, nil
}
