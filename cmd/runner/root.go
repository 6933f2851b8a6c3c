package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rsanchezec/AzureAIAgentService/internal/app"
	"github.com/rsanchezec/AzureAIAgentService/internal/config"
	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

type rootOptions struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "runner",
		Short:         "Conversational task runner",
		Long:          "Chat with a model backend that can call local tools, one prompt at a time or as a long-running server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newChatCommand(opts),
		newAskCommand(opts),
		newServeCommand(opts),
		newToolsCommand(opts),
	)
	return cmd
}

// buildApp loads the configuration and wires the application. Logs go to
// logOutput.
func (o *rootOptions) buildApp(ctx context.Context, logOutput io.Writer) (*app.App, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, app.WithLogOutput(logOutput))
}

func printCitations(w io.Writer, citations []domain.Citation) {
	for i, c := range citations {
		if c.Title != "" {
			fmt.Fprintf(w, "  [%d] %s (%s)\n", i+1, c.Title, c.URL)
			continue
		}
		fmt.Fprintf(w, "  [%d] %s\n", i+1, c.URL)
	}
}
