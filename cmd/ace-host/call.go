// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const defaultAddr = "127.0.0.1:7130"

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      string         `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    string `json:"data"`
	} `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

func newRequest(method string, params map[string]any) rpcRequest {
	return rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: uuid.NewString()}
}

func callCmd() *cobra.Command {
	var (
		addr    string
		method  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call [COMMAND...]",
		Short: "Run a command on a running daemon",
		Long: `Send one command line to a running ace-host, or call a raw JSON-RPC
method with --method.

Examples:
  ace-host call ACE_STATUS
  ace-host call ACE_CHANGE_TOOL TOOL=2
  ace-host call --method ace.connections`,
		RunE: func(_ *cobra.Command, args []string) error {
			var req rpcRequest
			switch {
			case method != "":
				req = newRequest(method, nil)
			case len(args) > 0:
				req = newRequest("ace.command", map[string]any{"script": strings.Join(args, " ")})
			default:
				return fmt.Errorf("nothing to call: give a command or --method")
			}
			resp, err := postRPC(addr, req, timeout)
			if err != nil {
				return err
			}
			return printResult(resp)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "daemon API address")
	cmd.Flags().StringVar(&method, "method", "", "raw JSON-RPC method, e.g. ace.status")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}

func postRPC(addr string, req rpcRequest, timeout time.Duration) (*rpcResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: timeout}
	httpResp, err := client.Post("http://"+addr+"/jsonrpc", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("bad response: %w", err)
	}
	return &resp, nil
}

func printResult(resp *rpcResponse) error {
	if resp.Error != nil {
		if resp.Error.Data != "" {
			return fmt.Errorf("%s [%s]", resp.Error.Message, resp.Error.Data)
		}
		return fmt.Errorf("%s", resp.Error.Message)
	}
	var text string
	if err := json.Unmarshal(resp.Result, &text); err == nil {
		if text != "" {
			fmt.Println(text)
		}
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, resp.Result, "", "  "); err != nil {
		return err
	}
	fmt.Println(buf.String())
	return nil
}
