package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newAskCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ask PROMPT",
		Short: "Send one prompt on a throwaway session and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := root.buildApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			resp, err := a.Service.Ask(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
			printCitations(cmd.OutOrStdout(), resp.Citations)
			return nil
		},
	}
}
