package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nhle/mailtriage/internal/mailbox"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/theme"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage linked mailboxes",
	}
	cmd.AddCommand(newAccountAddCmd(), newAccountListCmd(), newAccountRemoveCmd(), newAccountVerifyCmd())
	return cmd
}

type accountForm struct {
	provider string
	address  string
	host     string
	port     string
	username string
	password string
	noTLS    bool
}

func validateRequired(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validatePort(s string) error {
	if s == "" {
		return nil
	}
	if n, err := strconv.Atoi(s); err != nil || n <= 0 || n > 65535 {
		return errors.New("port must be a number between 1 and 65535")
	}
	return nil
}

// fill prompts for whatever the flags left empty.
func (f *accountForm) fill() error {
	if f.provider == "" || f.address == "" {
		if f.provider == "" {
			f.provider = string(model.ProviderGmail)
		}
		err := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title("Provider").
					Options(
						huh.NewOption("Gmail - OAuth in the browser", string(model.ProviderGmail)),
						huh.NewOption("IMAP - any mailbox with a password", string(model.ProviderIMAP)),
					).
					Value(&f.provider),
				huh.NewInput().
					Title("Address").
					Placeholder("you@example.com").
					Value(&f.address).
					Validate(validateRequired("Address")),
			),
		).Run()
		if err != nil {
			return err
		}
	}

	if model.Provider(f.provider) != model.ProviderIMAP {
		return nil
	}

	var fields []huh.Field
	if f.host == "" {
		fields = append(fields, huh.NewInput().
			Title("IMAP host").
			Placeholder("imap.example.com").
			Value(&f.host).
			Validate(validateRequired("Host")))
	}
	if f.password == "" {
		fields = append(fields, huh.NewInput().
			Title("Password").
			Description("Stored in the system keyring").
			EchoMode(huh.EchoModePassword).
			Value(&f.password).
			Validate(validateRequired("Password")))
	}
	if len(fields) == 0 {
		return nil
	}
	return huh.NewForm(huh.NewGroup(fields...)).Run()
}

func newAccountAddCmd() *cobra.Command {
	var f accountForm

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Link a Gmail or IMAP mailbox",
		Long: `Links a mailbox to --user. Gmail accounts go through the OAuth consent
screen; IMAP accounts need a host and password. Missing values are
prompted for.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validatePort(f.port); err != nil {
				return err
			}
			if err := f.fill(); err != nil {
				return err
			}

			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmd.Context()

			acct := &model.Account{
				UserID:   userID,
				Address:  strings.TrimSpace(f.address),
				Provider: model.Provider(f.provider),
				Settings: model.Settings{},
			}

			switch acct.Provider {
			case model.ProviderGmail:
				if rt.oauth == nil {
					_, err := mailbox.LoadOAuthConfig(rt.cfg.Gmail.ClientSecretPath)
					return fmt.Errorf("gmail is not configured: %w", err)
				}
				tok, err := mailbox.Authorize(ctx, rt.oauth, os.Stdout, os.Stdin)
				if err != nil {
					return err
				}
				if err := rt.app.SaveGmailToken(acct.Address, tok); err != nil {
					return err
				}
			case model.ProviderIMAP:
				acct.Settings["host"] = strings.TrimSpace(f.host)
				if f.port != "" {
					acct.Settings["port"] = f.port
				}
				if f.username != "" {
					acct.Settings["username"] = f.username
				}
				if f.noTLS {
					acct.Settings["tls"] = "false"
				}
				if err := rt.app.SaveIMAPPassword(acct.Address, f.password); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown provider %q", f.provider)
			}

			if err := rt.app.LinkAccount(ctx, acct); err != nil {
				return err
			}

			verifyErr := rt.app.VerifyAccount(ctx, userID, acct.ID)
			if jsonOutput {
				out := map[string]any{"account": acct, "verified": verifyErr == nil}
				if verifyErr != nil {
					out["verify_error"] = verifyErr.Error()
				}
				printJSON(out)
				return nil
			}

			fmt.Printf("%s %s %s\n", theme.OKStyle.Render("Linked"),
				theme.ProviderStyle(string(acct.Provider)).Render(string(acct.Provider)), acct.Address)
			if verifyErr != nil {
				fmt.Printf("%s %v\n", theme.WarnStyle.Render("Could not verify:"), verifyErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&f.provider, "provider", "", "gmail or imap")
	cmd.Flags().StringVar(&f.address, "address", "", "Email address")
	cmd.Flags().StringVar(&f.host, "host", "", "IMAP host")
	cmd.Flags().StringVar(&f.port, "port", "", "IMAP port (default 993)")
	cmd.Flags().StringVar(&f.username, "username", "", "IMAP login if it differs from the address")
	cmd.Flags().BoolVar(&f.noTLS, "no-tls", false, "Connect to IMAP without TLS")
	return cmd
}

func newAccountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List linked mailboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			accounts, err := rt.app.ListAccounts(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(accounts)
				return nil
			}
			if len(accounts) == 0 {
				fmt.Println(theme.HelpStyle.Render("No accounts linked. Add one with `mailtriage account add`."))
				return nil
			}
			for _, a := range accounts {
				primary := ""
				if a.Primary {
					primary = theme.LabelStyle.Render(" primary")
				}
				fmt.Printf("%s %-8s %s%s\n", a.ID,
					theme.ProviderStyle(string(a.Provider)).Render(string(a.Provider)), a.Address, primary)
			}
			return nil
		},
	}
}

func newAccountRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <account-id>",
		Aliases: []string{"rm"},
		Short:   "Unlink a mailbox and forget its messages",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.app.UnlinkAccount(cmd.Context(), userID, args[0]); err != nil {
				return err
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "id": args[0]})
				return nil
			}
			fmt.Println(theme.OKStyle.Render("Removed"), args[0])
			return nil
		},
	}
}

func newAccountVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <account-id>",
		Short: "Check that a mailbox can be reached with its stored credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.app.VerifyAccount(cmd.Context(), userID, args[0]); err != nil {
				return err
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "id": args[0]})
				return nil
			}
			fmt.Println(theme.OKStyle.Render("OK"), args[0])
			return nil
		},
	}
}
