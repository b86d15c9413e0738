// Sandbridge — persistent remote execution sandboxes with a streaming chat bridge.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandbridge",
	Short: "Sandbridge — a long-lived execution sandbox behind a streaming chat API.",
	Long: `Sandbridge keeps one persistent sandbox per tenant, revives it when it
stops or disappears, and bridges chat messages to an agent CLI running
inside it, streaming the agent's output back over SSE or WebSocket.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, chatCmd, sandboxCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
