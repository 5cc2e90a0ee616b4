package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/crmbridge/crmbridge/internal/crmsync"
)

// ConflictsOptions holds flags for the conflicts commands.
type ConflictsOptions struct {
	*RootOptions
	Addr string
}

// NewConflictsCommand creates the conflicts command group. The subcommands
// talk to a running server over its HTTP API rather than opening the storage
// directly, so they are safe to run next to a live instance.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "http://127.0.0.1:8080", "base URL of a running crmbridge server")

	cmd.AddCommand(newConflictsListCommand(opts))
	cmd.AddCommand(newConflictsResolveCommand(opts))
	return cmd
}

func newConflictsListCommand(opts *ConflictsOptions) *cobra.Command {
	var includeResolved bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := strings.TrimRight(opts.Addr, "/") + "/api/conflicts"
			if includeResolved {
				url += "?resolved=true"
			}
			var conflicts []crmsync.ConflictRecord
			if err := getJSON(url, &conflicts); err != nil {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no conflicts")
				return nil
			}
			for _, c := range conflicts {
				state := "open"
				if c.Resolved {
					state = "resolved " + string(c.ResolutionStrategy)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s  %-8s  external=%s  %s\n",
					c.ID, c.EntityKind, state, c.ExternalID, c.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeResolved, "all", false, "include resolved conflicts")
	return cmd
}

func newConflictsResolveCommand(opts *ConflictsOptions) *cobra.Command {
	var strategy string
	var merged []string
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict",
		Long: `Resolve a conflict with one of the three strategies.

  LOCAL_WINS      push the local state back out to the CRM
  EXTERNAL_WINS   overwrite local fields with the CRM side's values
  MERGED          apply the values given with --set, then push them out

Example:
  crmbridge conflicts resolve 4f8a... --strategy LOCAL_WINS
  crmbridge conflicts resolve 4f8a... --strategy MERGED --set email=a@b.co --set phone=123`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mergedData := map[string]string{}
			for _, pair := range merged {
				key, value, ok := strings.Cut(pair, "=")
				if !ok || strings.TrimSpace(key) == "" {
					return fmt.Errorf("invalid --set value %q, expected key=value", pair)
				}
				mergedData[strings.ToLower(strings.TrimSpace(key))] = value
			}
			payload := map[string]any{"strategy": strings.ToUpper(strategy)}
			if len(mergedData) > 0 {
				payload["mergedData"] = mergedData
			}
			url := strings.TrimRight(opts.Addr, "/") + "/api/conflicts/" + args[0] + "/resolve"
			var resolved crmsync.ConflictRecord
			if err := postJSON(url, payload, &resolved); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s with %s\n", resolved.ID, resolved.ResolutionStrategy)
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "resolution strategy (LOCAL_WINS|EXTERNAL_WINS|MERGED)")
	cmd.Flags().StringArrayVar(&merged, "set", nil, "merged field value as key=value, repeatable")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeAPIResponse(resp, out)
}

func postJSON(url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeAPIResponse(resp, out)
}

func decodeAPIResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}
