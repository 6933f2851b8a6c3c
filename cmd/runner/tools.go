package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newToolsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the registered tools and their parameter schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := root.buildApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			out := cmd.OutOrStdout()
			for _, def := range a.Service.Tools() {
				schema, err := json.MarshalIndent(def.Schema.JSONSchema(), "  ", "  ")
				if err != nil {
					return fmt.Errorf("failed to render schema of %s: %w", def.Name, err)
				}
				fmt.Fprintf(out, "%s\n  %s\n  %s\n", def.Name, def.Description, schema)
			}
			return nil
		},
	}
}
