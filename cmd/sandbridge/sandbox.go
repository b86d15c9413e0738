package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

var (
	sandboxGatewayURL string
	sandboxAPIKey     string
	sandboxTimeout    int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect or manage the tenant sandbox",
}

var sandboxStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sandbox record",
	RunE:  runSandboxStatus,
}

var sandboxEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Provision or revive the sandbox without sending a message",
	RunE:  runSandboxEnsure,
}

var sandboxResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the conversation history",
	RunE:  runSandboxReset,
}

func init() {
	sandboxCmd.AddCommand(sandboxStatusCmd, sandboxEnsureCmd, sandboxResetCmd)
	sandboxCmd.PersistentFlags().StringVar(&sandboxGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL")
	sandboxCmd.PersistentFlags().StringVar(&sandboxAPIKey, "api-key", "", "API key for gateway authentication (or SANDBRIDGE_API_KEY env)")
	sandboxCmd.PersistentFlags().IntVar(&sandboxTimeout, "timeout", 120, "timeout in seconds")
}

func runSandboxStatus(_ *cobra.Command, _ []string) error {
	body, err := sandboxRequest("GET", "/v1/sandbox")
	if err != nil {
		return err
	}

	var record struct {
		SandboxID      string `json:"sandbox_id"`
		Bound          bool   `json:"bound"`
		PreviewURL     string `json:"preview_url"`
		CreatedAt      string `json:"created_at"`
		LastAccessedAt string `json:"last_accessed_at"`
		Conversation   []struct {
			Sender  string `json:"sender"`
			Content string `json:"content"`
		} `json:"conversation"`
	}
	if err := json.Unmarshal(body, &record); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if !record.Bound {
		fmt.Println("sandbox: none")
	} else {
		fmt.Printf("sandbox:  %s\n", record.SandboxID)
		fmt.Printf("preview:  %s\n", record.PreviewURL)
		fmt.Printf("created:  %s\n", record.CreatedAt)
		fmt.Printf("accessed: %s\n", record.LastAccessedAt)
	}
	fmt.Printf("messages: %d\n", len(record.Conversation))
	return nil
}

func runSandboxEnsure(_ *cobra.Command, _ []string) error {
	body, err := sandboxRequest("POST", "/v1/sandbox")
	if err != nil {
		return err
	}

	var resp struct {
		SandboxID  string `json:"sandbox_id"`
		PreviewURL string `json:"preview_url"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("sandbox: %s\n", resp.SandboxID)
	if resp.PreviewURL != "" {
		fmt.Printf("preview: %s\n", resp.PreviewURL)
	}
	return nil
}

func runSandboxReset(_ *cobra.Command, _ []string) error {
	if _, err := sandboxRequest("POST", "/v1/sandbox/reset"); err != nil {
		return err
	}
	fmt.Println("conversation cleared")
	return nil
}

// sandboxRequest issues an authenticated request and returns the body on 200.
func sandboxRequest(method, path string) ([]byte, error) {
	apiKey := goutils.Env("SANDBRIDGE_API_KEY", sandboxAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set SANDBRIDGE_API_KEY)")
		os.Exit(ExitUnauthorized)
	}
	gatewayURL := goutils.Env("SANDBRIDGE_GATEWAY_URL", sandboxGatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(sandboxTimeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, gatewayURL+path, bytes.NewReader(nil))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitGatewayUnavailable)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitUnauthorized)
	case http.StatusServiceUnavailable:
		fmt.Fprintf(os.Stderr, "Error: sandbox unavailable: %s\n", string(body))
		os.Exit(ExitGatewayUnavailable)
	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", resp.StatusCode, string(body))
		os.Exit(ExitFailure)
	}
	return nil, nil
}
