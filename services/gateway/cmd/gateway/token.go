// services/gateway/cmd/gateway/token.go
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// adminClient: клиент admin API токенов запущенного шлюза.
type adminClient struct {
	base string
	key  string
	http *http.Client
}

type issuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (c *adminClient) do(ctx context.Context, method, path string, body interface{}, want int, out interface{}) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.base, "/")+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("X-Admin-Key", c.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %s %s", method, path, resp.Status, e.Error.Message)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func tokenCmd() *cobra.Command {
	client := &adminClient{http: &http.Client{Timeout: 10 * time.Second}}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage websocket tokens of a running gateway via the admin API",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if client.key == "" {
				return fmt.Errorf("admin key required: --admin-key or GATEWAY_ADMIN_KEY")
			}
			return nil
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&client.base, "url", "http://localhost:2808", "gateway base URL")
	pf.StringVar(&client.key, "admin-key", os.Getenv("GATEWAY_ADMIN_KEY"), "X-Admin-Key of the gateway")

	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var body interface{}
			if ttl > 0 {
				body = map[string]string{"ttl": ttl.String()}
			}
			var tok issuedToken
			if err := client.do(cmd.Context(), http.MethodPost, "/auth/tokens", body, http.StatusCreated, &tok); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			if !tok.ExpiresAt.IsZero() {
				fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", tok.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	issue.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, e.g. 30m (0 = server default)")

	revoke := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a token and disconnect its session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.do(cmd.Context(), http.MethodDelete, "/auth/tokens/"+url.PathEscape(args[0]), nil, http.StatusNoContent, nil)
		},
	}

	cmd.AddCommand(issue, revoke)
	return cmd
}
