package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flockgate/flockgate/account"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the account registry",
}

func init() {
	accountsCmd.AddCommand(
		accountsListCmd,
		accountsAddCmd,
		accountsRmCmd,
		accountsImportCmd,
		accountsClearCookiesCmd,
		accountsClearAllCookiesCmd,
		accountsDeleteLockedCmd,
		accountsUnlockCmd,
	)
}

// openRegistry loads the registry named by the config.
func openRegistry() (*account.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	r := account.NewRegistry(cfg.AccountsFile)
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered accounts",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		r, err := openRegistry()
		if err != nil {
			return err
		}
		accounts := r.List()
		fmt.Printf("%-24s %-8s %-8s %s\n", "USERNAME", "USABLE", "LOCKED", "COOKIES")
		for _, a := range accounts {
			fmt.Printf("%-24s %-8v %-8v %d\n", a.Username, a.Usable, a.IsLocked, len(a.Cookies))
		}
		fmt.Printf("%d accounts\n", len(accounts))
		return nil
	},
}

var accountsAddCmd = &cobra.Command{
	Use:   "add username:password[:email[:2fa_secret]]",
	Short: "Register one account",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := account.ParseImportLine(args[0])
		if err != nil {
			return err
		}
		r, err := openRegistry()
		if err != nil {
			return err
		}
		if err := r.Add(a); err != nil {
			return err
		}
		fmt.Printf("added %q\n", a.Username)
		return nil
	},
}

var accountsRmCmd = &cobra.Command{
	Use:   "rm username",
	Short: "Remove one account",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		r, err := openRegistry()
		if err != nil {
			return err
		}
		if err := r.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("removed %q\n", args[0])
		return nil
	},
}

var accountsImportCmd = &cobra.Command{
	Use:   "import file",
	Short: "Merge accounts from an onboarding file",
	Long: `Merge accounts from a file with one username:password[:email[:2fa_secret]]
line per account. Existing usernames have their credentials updated in
place; their stored cookies and flags are kept. Empty lines and lines
starting with # are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		var accounts []account.Account
		scanner := bufio.NewScanner(f)
		n := 0
		for scanner.Scan() {
			n++
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			a, err := account.ParseImportLine(line)
			if err != nil {
				return fmt.Errorf("%s:%d: %w", args[0], n, err)
			}
			accounts = append(accounts, a)
		}
		if err := scanner.Err(); err != nil {
			return err
		}

		r, err := openRegistry()
		if err != nil {
			return err
		}
		added, updated, err := r.Import(accounts)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d accounts: %d added, %d updated\n", len(accounts), added, updated)
		return nil
	},
}

var accountsClearCookiesCmd = &cobra.Command{
	Use:   "clear-cookies username",
	Short: "Drop the stored session of one account",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		r, err := openRegistry()
		if err != nil {
			return err
		}
		if err := r.ClearCookies(args[0]); err != nil {
			return err
		}
		fmt.Printf("cleared cookies of %q; next use logs in from scratch\n", args[0])
		return nil
	},
}

var accountsClearAllCookiesCmd = &cobra.Command{
	Use:   "clear-all-cookies",
	Short: "Drop the stored sessions of every account",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		r, err := openRegistry()
		if err != nil {
			return err
		}
		if err := r.ClearAllCookies(); err != nil {
			return err
		}
		fmt.Printf("cleared cookies of %d accounts\n", r.Len())
		return nil
	},
}

var accountsDeleteLockedCmd = &cobra.Command{
	Use:   "delete-locked",
	Short: "Remove every account the upstream locked",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		r, err := openRegistry()
		if err != nil {
			return err
		}
		n, err := r.DeleteLocked()
		if err != nil {
			return err
		}
		fmt.Printf("removed %d locked accounts\n", n)
		return nil
	},
}

var accountsUnlockCmd = &cobra.Command{
	Use:   "unlock username",
	Short: "Restore a locked or suspended account to service",
	Long: `Restore a locked or suspended account to service. The orchestrator never
clears the lock and usable flags on its own; recovery of accounts retired
by the upstream is an operator decision.`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		r, err := openRegistry()
		if err != nil {
			return err
		}
		if err := r.Unlock(args[0]); err != nil {
			return err
		}
		fmt.Printf("unlocked %q\n", args[0])
		return nil
	},
}
