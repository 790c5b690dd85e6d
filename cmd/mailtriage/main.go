package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/theme"
)

var (
	version = "dev"

	configPath string
	jsonOutput bool
	userID     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mailtriage",
		Short: "Sort, summarize and unsubscribe from email",
		Long: `mailtriage pulls unread mail from your linked mailboxes, files each
message into one of your categories with a short summary, archives it,
and can unsubscribe you from senders by working through their
unsubscribe pages in a headless browser.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", model.DefaultConfigPath(), "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", defaultUser(), "User the command acts for")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{"version": version})
				return
			}
			fmt.Printf("mailtriage %s\n", version)
		},
	})

	rootCmd.AddCommand(
		newServeCmd(),
		newIngestCmd(),
		newUnsubscribeCmd(),
		newAccountCmd(),
		newCategoryCmd(),
		newMessageCmd(),
		newLLMKeyCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			printJSON(map[string]any{"ok": false, "error": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "%s %v\n", theme.ErrorStyle.Render("Error:"), err)
		}
		os.Exit(1)
	}
}

func defaultUser() string {
	if u := os.Getenv("MAILTRIAGE_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
