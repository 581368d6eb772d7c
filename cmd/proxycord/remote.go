package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/burpheart/proxycord/internal/api"
)

// Commands below talk to a running instance through its management API.

var apiClient = &http.Client{Timeout: 10 * time.Second}

func apiURL(port int, path string, query url.Values) string {
	u := url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(port), Path: path}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func callAPI(method, target string, out any) error {
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		return err
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api returned %s: %s", resp.Status, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func addAPIPortFlag(cmd *cobra.Command, port *int) {
	cmd.Flags().IntVar(port, "api-port", 0, "Management API port of the running instance")
	cmd.MarkFlagRequired("api-port")
}

func newStatusCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st api.Status
			if err := callAPI(http.MethodGet, apiURL(port, "/api/status", nil), &st); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Status:        %s\n", st.Status)
			fmt.Fprintf(w, "Steps:         %d\n", st.Steps)
			fmt.Fprintf(w, "Active pairs:  %d\n", st.ActivePairs)
			fmt.Fprintf(w, "Accepted:      %d\n", st.Accepted)
			fmt.Fprintf(w, "Live viewers:  %d\n", st.WSClients)
			return nil
		},
	}
	addAPIPortFlag(cmd, &port)
	return cmd
}

func newStepsCmd() *cobra.Command {
	var (
		port  int
		limit int
	)
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Print the most recent steps of a running instance as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var steps []json.RawMessage
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			if err := callAPI(http.MethodGet, apiURL(port, "/api/steps", q), &steps); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			return enc.Encode(steps)
		},
	}
	addAPIPortFlag(cmd, &port)
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Number of steps")
	return cmd
}

func newMarkCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "mark [label]",
		Short: "Insert a mark into the recording of a running instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if len(args) == 1 {
				q.Set("name", args[0])
			}
			var mark struct {
				Name string `json:"name"`
			}
			if err := callAPI(http.MethodPost, apiURL(port, "/api/mark", q), &mark); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Mark: %s\n", mark.Name)
			return nil
		},
	}
	addAPIPortFlag(cmd, &port)
	return cmd
}
