package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the chat command.
const (
	ExitSuccess            = 0
	ExitFailure            = 1
	ExitUnauthorized       = 2
	ExitGatewayUnavailable = 3
)

var (
	chatMessage    string
	chatGatewayURL string
	chatAPIKey     string
	chatTimeout    int
	chatVerbose    bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Send a chat message and stream the sandbox response",
	Long: `Send a message to the Sandbridge gateway and stream the agent's
response as it is produced inside the sandbox.

Examples:
  sandbridge chat -m "add a dark mode toggle"
  sandbridge chat -m "run the test suite" --verbose

Exit codes:
  0  success
  1  execution failure
  2  unauthorized or rate limited
  3  gateway or sandbox unavailable`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "message to send (required)")
	chatCmd.Flags().StringVar(&chatGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL")
	chatCmd.Flags().StringVar(&chatAPIKey, "api-key", "", "API key for gateway authentication (or SANDBRIDGE_API_KEY env)")
	chatCmd.Flags().IntVar(&chatTimeout, "timeout", 300, "timeout in seconds")
	chatCmd.Flags().BoolVar(&chatVerbose, "verbose", false, "print raw and tool events to stderr")

	_ = chatCmd.MarkFlagRequired("message")
}

func runChat(_ *cobra.Command, _ []string) error {
	if chatMessage == "" {
		return fmt.Errorf("message is required: use -m flag")
	}

	apiKey := goutils.Env("SANDBRIDGE_API_KEY", chatAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set SANDBRIDGE_API_KEY)")
		os.Exit(ExitUnauthorized)
	}

	gatewayURL := goutils.Env("SANDBRIDGE_GATEWAY_URL", chatGatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(chatTimeout)*time.Second)
	defer cancel()

	return runChatSSE(ctx, gatewayURL, apiKey)
}

// runChatSSE posts the message and prints streamed events as they arrive.
func runChatSSE(ctx context.Context, gatewayURL, apiKey string) error {
	reqBody, _ := json.Marshal(map[string]any{
		"message": chatMessage,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", gatewayURL+"/v1/chat/stream", bytes.NewReader(reqBody))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitGatewayUnavailable)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Stream follows.
	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitUnauthorized)
	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		os.Exit(ExitUnauthorized)
	case http.StatusServiceUnavailable:
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Error: sandbox unavailable: %s\n", strings.TrimSpace(string(body)))
		os.Exit(ExitGatewayUnavailable)
	default:
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", resp.StatusCode, string(body))
		os.Exit(ExitFailure)
	}

	// Parse SSE stream.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	exitCode := ExitSuccess

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		printEvent(data, &exitCode)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: stream interrupted: %v\n", err)
		os.Exit(ExitFailure)
	}

	fmt.Println()
	os.Exit(exitCode)
	return nil
}

// printEvent renders one streamed event. Assistant text goes to stdout;
// everything else is diagnostic output on stderr.
func printEvent(data string, exitCode *int) {
	var event struct {
		Type  string `json:"type"`
		Text  string `json:"text"`
		Error string `json:"error"`

		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return
	}

	switch event.Type {
	case "assistant":
		for _, block := range event.Message.Content {
			if block.Type == "text" {
				fmt.Print(block.Text)
			}
		}
	case "error":
		fmt.Fprintf(os.Stderr, "Error: %s\n", event.Error)
		*exitCode = ExitFailure
	case "raw":
		if chatVerbose {
			fmt.Fprintln(os.Stderr, event.Text)
		}
	default:
		if chatVerbose {
			fmt.Fprintf(os.Stderr, "[%s]\n", event.Type)
		}
	}
}
