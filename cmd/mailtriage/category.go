package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/mailtriage/internal/theme"
)

func newCategoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "category",
		Short: "Manage the categories mail is sorted into",
	}
	cmd.AddCommand(newCategoryAddCmd(), newCategoryListCmd(), newCategoryRemoveCmd())
	return cmd
}

func newCategoryAddCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a category",
		Long: `Creates a category. The description is shown to the classifier, so
say what kind of mail belongs there.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			cat, err := rt.app.AddCategory(cmd.Context(), userID, args[0], description)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(cat)
				return nil
			}
			fmt.Printf("%s %s %s\n", theme.OKStyle.Render("Created"), cat.Name, theme.HelpStyle.Render(cat.ID))
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "What mail belongs in this category")
	return cmd
}

func newCategoryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			cats, err := rt.app.ListCategories(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(cats)
				return nil
			}
			if len(cats) == 0 {
				fmt.Println(theme.HelpStyle.Render("No categories yet. Incoming mail stays uncategorized."))
				return nil
			}
			for _, c := range cats {
				fmt.Printf("%s %s\n", c.ID, theme.LabelStyle.Render(c.Name))
				if c.Description != "" {
					fmt.Printf("  %s\n", theme.HelpStyle.Render(c.Description))
				}
			}
			return nil
		},
	}
}

func newCategoryRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <category-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a category; its messages become uncategorized",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.app.RemoveCategory(cmd.Context(), userID, args[0]); err != nil {
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
