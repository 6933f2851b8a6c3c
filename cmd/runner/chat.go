package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/transport/http/ws"
)

// exitWords end an interactive chat.
var exitWords = map[string]bool{
	"exit":  true,
	"quit":  true,
	"salir": true,
}

// reply is what the chat loop prints for one turn.
type reply struct {
	Text      string
	Citations []domain.Citation
}

type sendFunc func(ctx context.Context, text string) (*reply, error)

type chatOptions struct {
	userID     string
	persistent bool
	server     string
}

func newChatCommand(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long:  "Reads messages from stdin and prints the assistant replies. Type exit, quit or salir to leave.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.server != "" {
				return runRemoteChat(ctx, cmd, opts)
			}
			return runLocalChat(ctx, cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.userID, "user", "cli-user", "user id owning the session")
	cmd.Flags().BoolVar(&opts.persistent, "persistent", false, "reuse the user's persistent session")
	cmd.Flags().StringVar(&opts.server, "server", "", "chat through a running server, e.g. ws://localhost:8080")
	return cmd
}

func runLocalChat(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *chatOptions) error {
	a, err := root.buildApp(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	h, err := a.Service.Open(ctx, opts.userID, opts.persistent)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Service.End(context.WithoutCancel(ctx), h); err != nil {
			a.Logger.Warn().Err(err).Str("session_id", h.ID()).Msg("failed to end session")
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Session %s (user %s). Type exit to leave.\n", h.ID(), opts.userID)
	return chatLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), func(ctx context.Context, text string) (*reply, error) {
		resp, err := a.Service.Send(ctx, h, text)
		if err != nil {
			return nil, err
		}
		return &reply{Text: resp.Text, Citations: resp.Citations}, nil
	})
}

func runRemoteChat(ctx context.Context, cmd *cobra.Command, opts *chatOptions) error {
	client, err := ws.Dial(ctx, opts.server, opts.userID, opts.persistent)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s, session %s. Type exit to leave.\n", opts.server, client.SessionID())
	return chatLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), func(ctx context.Context, text string) (*reply, error) {
		f, err := client.Send(ctx, text)
		if err != nil {
			return nil, err
		}
		return &reply{Text: f.Content, Citations: f.Citations}, nil
	})
}

// chatLoop sends every non-empty line of in until an exit word, EOF, or
// ctx ends. Turn failures are reported and the loop continues.
func chatLoop(ctx context.Context, in io.Reader, out, errOut io.Writer, send sendFunc) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}
		if exitWords[strings.ToLower(line)] {
			fmt.Fprintln(out, "Bye!")
			return nil
		}

		r, err := send(ctx, line)
		if err != nil {
			var runErr *domain.RunError
			if errors.As(err, &runErr) && runErr.Cancelled() && ctx.Err() != nil {
				fmt.Fprintln(out)
				return nil
			}
			fmt.Fprintf(errOut, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, r.Text)
		printCitations(out, r.Citations)
	}
}
