// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func consoleCmd() *cobra.Command {
	var (
		addr  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive command console for a running daemon",
		Long: `Open a websocket to a running ace-host and type ACE_* commands.
Operator prompts (insert filament, runout pauses) are shown as they
happen. With stdin not a terminal, commands are read one per line.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := dialConsole(addr, watch)
			if err != nil {
				return err
			}
			defer c.close()
			if term.IsTerminal(int(os.Stdin.Fd())) {
				return c.interactive()
			}
			return c.script(os.Stdin)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "daemon API address")
	cmd.Flags().BoolVar(&watch, "watch", false, "print tool and position on every status change")
	return cmd
}

type console struct {
	conn  *websocket.Conn
	watch bool

	mu      sync.Mutex
	out     io.Writer
	pending map[string]chan *rpcResponse
	writeMu sync.Mutex
	done    chan struct{}
}

func dialConsole(addr string, watch bool) (*console, error) {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/websocket", nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	c := &console{
		conn:    conn,
		watch:   watch,
		out:     os.Stdout,
		pending: make(map[string]chan *rpcResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	if _, err := c.call(newRequest("ace.subscribe", nil)); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *console) close() { c.conn.Close() }

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	w := c.out
	c.mu.Unlock()
	fmt.Fprintf(w, format, args...)
}

func (c *console) readLoop() {
	defer close(c.done)
	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			return
		}
		if resp.Method != "" {
			c.notification(&resp)
			continue
		}
		c.mu.Lock()
		ch := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- &resp
		}
	}
}

func (c *console) notification(n *rpcResponse) {
	var params []json.RawMessage
	if err := json.Unmarshal(n.Params, &params); err != nil || len(params) == 0 {
		return
	}
	switch n.Method {
	case "notify_ace_prompt":
		var msg string
		if json.Unmarshal(params[0], &msg) == nil {
			c.printf("!! %s\n", msg)
		}
	case "notify_ace_status":
		if !c.watch {
			return
		}
		var st struct {
			CurrentTool int    `json:"current_tool"`
			Position    string `json:"filament_position"`
			Operation   string `json:"operation"`
		}
		if json.Unmarshal(params[0], &st) == nil {
			c.printf("-- T%d %s %s\n", st.CurrentTool, st.Position, st.Operation)
		}
	}
}

func (c *console) call(req rpcRequest) (*rpcResponse, error) {
	ch := make(chan *rpcResponse, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	}
}

func (c *console) run(line string) error {
	resp, err := c.call(newRequest("ace.command", map[string]any{"script": line}))
	if err != nil {
		return err
	}
	if err := printResultTo(c, resp); err != nil {
		c.printf("error: %v\n", err)
	}
	return nil
}

func printResultTo(c *console, resp *rpcResponse) error {
	if resp.Error != nil {
		if resp.Error.Data != "" {
			return fmt.Errorf("%s [%s]", resp.Error.Message, resp.Error.Data)
		}
		return fmt.Errorf("%s", resp.Error.Message)
	}
	var text string
	if json.Unmarshal(resp.Result, &text) == nil && text != "" {
		c.printf("%s\n", text)
	}
	return nil
}

func (c *console) interactive() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ace> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		HistoryFile:     historyFile(),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	c.mu.Lock()
	c.out = rl.Stdout()
	c.mu.Unlock()
	c.printf("Connected. Type HELP for commands, exit to quit.\n")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return nil
		}
		line = strings.TrimSpace(line)
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := c.run(line); err != nil {
			return err
		}
	}
}

func (c *console) script(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := c.run(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.ace-host_history"
}
