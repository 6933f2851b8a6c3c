// Command runner is a conversational task runner: it chats with a model
// backend, resolves the tool calls the model issues, and serves the same
// sessions over HTTP.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
