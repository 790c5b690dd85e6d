package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nhle/mailtriage/internal/theme"
	"github.com/nhle/mailtriage/internal/unsubscribe"
)

func newUnsubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <message-id>...",
		Short: "Unsubscribe from the senders of the given messages",
		Long: `Finds the unsubscribe link of each message, opens it in a headless
browser, lets the language model decide which buttons and fields to use,
and checks the resulting page. Messages are handled one at a time; a
confirmed unsubscribe also marks the message deleted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var outcomes []unsubscribe.Outcome
			if len(args) == 1 {
				out, err := rt.app.AttemptUnsubscribe(ctx, userID, args[0])
				if err != nil {
					return err
				}
				outcomes = []unsubscribe.Outcome{out}
			} else {
				outcomes = rt.app.BulkUnsubscribe(ctx, userID, args)
			}

			if jsonOutput {
				printJSON(outcomes)
				return nil
			}
			for _, out := range outcomes {
				label := string(out.Status)
				if out.Reason != unsubscribe.ReasonNone {
					label += ":" + string(out.Reason)
				}
				fmt.Printf("%s %s\n  %s\n",
					theme.OutcomeStyle(string(out.Status)).Render(label),
					out.MessageID,
					theme.HelpStyle.Render(out.Detail))
				if out.URL != "" {
					fmt.Printf("  %s %s\n", theme.LabelStyle.Render("url"), out.URL)
				}
			}
			return nil
		},
	}
}
