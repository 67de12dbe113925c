package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flockgate/flockgate/proxy"
)

var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "Inspect the proxy list",
}

func init() {
	proxiesCmd.AddCommand(proxiesListCmd, proxiesCheckCmd)
}

// openPool parses the proxy list named by the config.
func openPool() (*proxy.Pool, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.ProxiesFile == "" {
		return nil, fmt.Errorf("no `proxies_file` configured; dispatches go out without a proxy")
	}
	p := proxy.NewPool(time.Duration(cfg.Limits.ProxySpacing))
	if err := p.LoadFile(cfg.ProxiesFile); err != nil {
		return nil, err
	}
	return p, nil
}

var proxiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured proxies",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		p, err := openPool()
		if err != nil {
			return err
		}
		fmt.Printf("%-4s %s\n", "ID", "PROXY")
		for _, pr := range p.Proxies() {
			fmt.Printf("%-4d %s\n", pr.ID(), pr.URL().Redacted())
		}
		fmt.Printf("%d proxies\n", p.Len())
		return nil
	},
}

var proxiesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the proxy list and preview its assignment",
	Long: `Parse the proxy list and print the proxy each account would be pinned to
when accounts first dispatch in registry order. The running orchestrator
binds on first use, so the live assignment can differ when dispatch order
does.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		p, err := openPool()
		if err != nil {
			return err
		}
		r, err := openRegistry()
		if err != nil {
			return err
		}

		fmt.Printf("%-24s %s\n", "USERNAME", "PROXY")
		for _, username := range r.Usernames() {
			addr := "(none)"
			if pr := p.Assign(username); pr != nil {
				addr = pr.Addr()
			}
			fmt.Printf("%-24s %s\n", username, addr)
		}
		fmt.Printf("%d proxies across %d accounts\n", p.Len(), r.Len())
		return nil
	},
}
