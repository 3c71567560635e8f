package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sidepanel-ai/mcpbridge-go/internal/rpc"
)

// The client subcommands talk to a running daemon over its /rpc endpoint.

var daemonURL string

func clientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&daemonURL, "url", "http://127.0.0.1:8640", "Daemon base URL")
}

func callDaemon(msgType string, payload interface{}) (*rpc.Response, error) {
	req := rpc.Request{Type: msgType}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req.Payload = encoded
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 3 * time.Minute}
	httpResp, err := httpClient.Post(daemonURL+"/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon at %s: %w", daemonURL, err)
	}
	defer httpResp.Body.Close()

	var resp rpc.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("malformed daemon response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return &resp, nil
}

func printData(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func toolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the aggregated tool catalog",
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := callDaemon(rpc.TypeToolsList, nil)
			if err != nil {
				return err
			}
			return printData(resp.Data)
		},
	}
	clientFlags(cmd)
	return cmd
}

func callCmd() *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "call <server-id> <tool>",
		Short: "Invoke a tool on a connected server",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			var toolArgs map[string]interface{}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("invalid --args: %w", err)
				}
			}
			resp, err := callDaemon(rpc.TypeToolCall, rpc.ToolCallPayload{
				ServerID:  args[0],
				Name:      args[1],
				Arguments: toolArgs,
			})
			if err != nil {
				return err
			}
			return printData(resp.Data)
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	clientFlags(cmd)
	return cmd
}

func serversCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Show configured servers and their connection state",
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := callDaemon(rpc.TypeServersList, nil)
			if err != nil {
				return err
			}
			return printData(resp.Data)
		},
	}
	cmd.AddCommand(serverToggleCmd("enable", rpc.TypeServerEnable),
		serverToggleCmd("disable", rpc.TypeServerDisable),
		serverToggleCmd("reconnect", rpc.TypeServerReconnect))
	clientFlags(cmd)
	return cmd
}

func serverToggleCmd(verb, msgType string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " <server-id>",
		Short: verb + " a configured server",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := callDaemon(msgType, rpc.ServerPayload{ServerID: args[0]})
			if err != nil {
				return err
			}
			return printData(resp.Data)
		},
	}
	clientFlags(cmd)
	return cmd
}

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health <server-id>",
		Short: "Probe a server with a disposable connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := callDaemon(rpc.TypeHealthCheck, rpc.ServerPayload{ServerID: args[0]})
			if err != nil {
				return err
			}
			return printData(resp.Data)
		},
	}
	clientFlags(cmd)
	return cmd
}

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorization helpers",
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show per-server token status",
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := callDaemon(rpc.TypeAuthStatus, nil)
			if err != nil {
				return err
			}
			return printData(resp.Data)
		},
	}
	clientFlags(status)
	cmd.AddCommand(status)
	return cmd
}

func activityCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show recent proxied tool calls",
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := callDaemon(rpc.TypeActivityList, rpc.ActivityPayload{Limit: limit})
			if err != nil {
				return err
			}
			return printData(resp.Data)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to return")
	clientFlags(cmd)
	return cmd
}
