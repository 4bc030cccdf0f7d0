package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hamzaKhattat/asterisk-call-checker/internal/api"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/config"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/models"
)

// devClient calls the dev endpoints of a running server
type devClient struct {
	baseURL string
	key     string
	http    *http.Client
}

func newDevClient(server string) *devClient {
	cfg := config.Load(v)
	if server == "" {
		server = fmt.Sprintf("http://localhost:%d", cfg.API.Port)
	}
	return &devClient{
		baseURL: strings.TrimRight(server, "/"),
		key:     cfg.API.DevKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *devClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(api.HeaderAPIKey, c.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	return json.Unmarshal(data, out)
}

func createMockCommands() *cobra.Command {
	var server string

	mockCmd := &cobra.Command{
		Use:   "mock",
		Short: "Manage mock connections on a running server",
		Long:  "Add, list and clear mock connections through the dev endpoints of a running server",
	}

	mockCmd.PersistentFlags().StringVar(&server, "server", "", "Server base URL (default http://localhost:<api.port>)")

	mockCmd.AddCommand(
		createMockAddCommand(&server),
		createMockStatusCommand(&server),
		createMockClearCommand(&server),
	)

	return mockCmd
}

func createMockAddCommand(server *string) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "add <number|A:B>...",
		Short: "Add numbers or inclusive ranges as mock connections",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{"numbers": args}
			if ttl > 0 {
				body["ttl_minutes"] = ttl.Minutes()
			}

			var resp struct {
				Message      string    `json:"message"`
				NumbersAdded []string  `json:"numbers_added"`
				ExpiresAt    time.Time `json:"expires_at"`
			}
			if err := newDevClient(*server).do(cmd.Context(), http.MethodPost, "/mock-connect", body, &resp); err != nil {
				return err
			}

			fmt.Printf("%s %s\n", green("✓"), resp.Message)
			fmt.Printf("Expires at: %s\n", resp.ExpiresAt.Local().Format(time.RFC3339))
			if verbose {
				fmt.Printf("Keys: %s\n", strings.Join(resp.NumbersAdded, ", "))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Expiry for the new entries (server default when unset)")

	return cmd
}

func createMockStatusCommand(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List live mock connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				models.MockStatus
				TimeoutMinutes float64 `json:"timeout_minutes"`
			}
			if err := newDevClient(*server).do(cmd.Context(), http.MethodGet, "/mock-status", nil, &resp); err != nil {
				return err
			}

			if resp.TotalCount == 0 {
				fmt.Println("No active mock connections")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Key", "Number", "Channel", "Expires In"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)

			now := time.Now()
			for _, e := range resp.Entries {
				left := e.ExpiresAt.Sub(now).Truncate(time.Second)
				expires := left.String()
				if left < time.Minute {
					expires = yellow(expires)
				}
				table.Append([]string{e.Key, e.OriginalNumber, e.ChannelID, expires})
			}

			table.Render()
			fmt.Printf("\nTotal: %d (default ttl %.0f minutes)\n", resp.TotalCount, resp.TimeoutMinutes)
			return nil
		},
	}
}

func createMockClearCommand(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every mock connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Message string `json:"message"`
			}
			if err := newDevClient(*server).do(cmd.Context(), http.MethodDelete, "/clear-mocks", nil, &resp); err != nil {
				return err
			}

			fmt.Printf("%s %s\n", green("✓"), resp.Message)
			return nil
		},
	}
}
