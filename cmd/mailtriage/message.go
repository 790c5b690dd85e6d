package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/theme"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "message",
		Aliases: []string{"msg"},
		Short:   "Browse and trash ingested mail",
	}
	cmd.AddCommand(newMessageListCmd(), newMessageShowCmd(), newMessageTrashCmd())
	return cmd
}

func newMessageListCmd() *cobra.Command {
	var (
		categoryID    string
		uncategorized bool
		limit         int
		offset        int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List ingested messages, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if categoryID != "" && uncategorized {
				return fmt.Errorf("--category and --uncategorized are mutually exclusive")
			}

			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmd.Context()

			var msgs []model.Message
			switch {
			case categoryID != "":
				msgs, err = rt.app.ListByCategory(ctx, userID, categoryID)
			case uncategorized:
				none := ""
				msgs, err = rt.app.ListMessages(ctx, userID, &none, limit, offset)
			default:
				msgs, err = rt.app.ListMessages(ctx, userID, nil, limit, offset)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				printJSON(msgs)
				return nil
			}
			if len(msgs) == 0 {
				fmt.Println(theme.HelpStyle.Render("No messages."))
				return nil
			}
			for _, m := range msgs {
				from := m.FromName
				if from == "" {
					from = m.FromEmail
				}
				fmt.Printf("%s %s %s\n", m.ID,
					theme.LabelStyle.Render(m.ReceivedAt.Local().Format("Jan 02 15:04")), m.Subject)
				fmt.Printf("  %s", from)
				if m.UnsubscribeOutcome != "" {
					fmt.Printf("  %s", theme.OutcomeStyle(string(m.UnsubscribeOutcome)).Render(string(m.UnsubscribeOutcome)))
				}
				fmt.Println()
				if m.Summary != "" {
					fmt.Printf("  %s\n", theme.HelpStyle.Render(m.Summary))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&categoryID, "category", "", "Only messages in this category")
	cmd.Flags().BoolVar(&uncategorized, "uncategorized", false, "Only messages without a category")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of messages")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of messages to skip")
	return cmd
}

func newMessageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <message-id>",
		Short: "Show one message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			m, err := rt.app.GetMessage(cmd.Context(), userID, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(m)
				return nil
			}

			label := func(k, v string) {
				if v != "" {
					fmt.Printf("%s %s\n", theme.LabelStyle.Render(k+":"), v)
				}
			}
			fmt.Println(theme.HeaderStyle.Render(m.Subject))
			label("From", strings.TrimSpace(fmt.Sprintf("%s <%s>", m.FromName, m.FromEmail)))
			label("Received", m.ReceivedAt.Local().Format("2006-01-02 15:04"))
			if m.CategoryID != nil {
				label("Category", *m.CategoryID)
			}
			label("Summary", m.Summary)
			label("Unsubscribe", m.ListUnsubscribe)
			if m.UnsubscribeOutcome != "" {
				label("Outcome", string(m.UnsubscribeOutcome)+" "+m.UnsubscribeDetail)
			}
			fmt.Println()
			body := m.BodyText
			if body == "" {
				body = theme.HelpStyle.Render("(HTML only, see --json for the raw body)")
			}
			fmt.Println(body)
			return nil
		},
	}
}

func newMessageTrashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trash <message-id>...",
		Short: "Move messages to the provider's trash",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			results := rt.app.TrashMessages(cmd.Context(), userID, args)
			if jsonOutput {
				printJSON(results)
				return nil
			}
			for _, r := range results {
				if r.OK {
					fmt.Println(theme.OKStyle.Render("Trashed"), r.MessageID)
				} else {
					fmt.Printf("%s %s %s\n", theme.ErrorStyle.Render("Failed"), r.MessageID, theme.HelpStyle.Render(r.Error))
				}
			}
			return nil
		},
	}
}
