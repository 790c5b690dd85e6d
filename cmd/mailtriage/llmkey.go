package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nhle/mailtriage/internal/theme"
)

func newLLMKeyCmd() *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "llm-key",
		Short: "Store the language model API key in the system keyring",
		Long: `Prompts for the API key of the configured provider and stores it under
llm.api_key_credential. MAILTRIAGE_LLM_API_KEY overrides the stored key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			ref := rt.cfg.LLM.APIKeyCredential
			if remove {
				if err := rt.vault.Delete(ref); err != nil {
					return err
				}
				fmt.Println(theme.OKStyle.Render("Removed"), ref)
				return nil
			}

			var key string
			err = huh.NewInput().
				Title(fmt.Sprintf("%s API key", rt.cfg.LLM.Provider)).
				EchoMode(huh.EchoModePassword).
				Value(&key).
				Validate(validateRequired("API key")).
				Run()
			if err != nil {
				return err
			}
			if err := rt.vault.Set(ref, strings.TrimSpace(key)); err != nil {
				return err
			}
			fmt.Println(theme.OKStyle.Render("Saved"), ref)
			return nil
		},
	}

	cmd.Flags().BoolVar(&remove, "clear", false, "Remove the stored key")
	return cmd
}
