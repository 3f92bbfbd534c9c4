// ACE command dispatch
//
// Registers the ACE_* commands and routes parsed lines to their
// handlers. Long-running commands (tool changes, loads) block the
// caller until the operation finishes.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"klipper-ace/pkg/errors"
	"klipper-ace/pkg/log"
	"klipper-ace/pkg/manager"
)

// Handler executes one command and returns the text shown to the operator.
type Handler func(ctx context.Context, cmd *Command) (string, error)

// Dispatcher owns the command table.
type Dispatcher struct {
	m      *manager.Manager
	logger *log.Logger

	mu           sync.RWMutex
	commands     map[string]Handler
	commandHelp  map[string]string
	commandOrder []string
}

// New creates a dispatcher with every ACE command registered.
func New(m *manager.Manager, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.GetLogger("commands")
	}
	d := &Dispatcher{
		m:           m,
		logger:      logger,
		commands:    make(map[string]Handler),
		commandHelp: make(map[string]string),
	}
	d.registerACECommands()
	d.RegisterCommand("HELP", d.cmdHelp, "List available commands")
	return d
}

// RegisterCommand registers a handler with help text.
func (d *Dispatcher) RegisterCommand(name string, handler Handler, help string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	name = strings.ToUpper(name)
	if _, ok := d.commands[name]; !ok {
		d.commandOrder = append(d.commandOrder, name)
		sort.Strings(d.commandOrder)
	}
	d.commands[name] = handler
	d.commandHelp[name] = help
}

// Names returns the registered commands in sorted order.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.commandOrder...)
}

// Help returns the help text of name.
func (d *Dispatcher) Help(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.commandHelp[strings.ToUpper(name)]
	return h, ok
}

// Execute parses and runs one line. Empty lines return "".
func (d *Dispatcher) Execute(ctx context.Context, line string) (out string, err error) {
	cmd := Parse(line)
	if cmd == nil {
		return "", nil
	}
	return d.Run(ctx, cmd)
}

// Run executes an already parsed command.
func (d *Dispatcher) Run(ctx context.Context, cmd *Command) (out string, err error) {
	d.mu.RLock()
	handler, ok := d.commands[cmd.Name]
	d.mu.RUnlock()
	if !ok {
		return "", errors.UnknownCommandError(cmd.Name)
	}

	defer func() {
		if perr := errors.FromPanic(recover()); perr != nil {
			err = perr
		}
	}()
	d.logger.WithFields(log.Fields{"cmd": cmd.Name, "args": cmd.Args}).Debug("executing")
	out, err = handler(ctx, cmd)
	if err != nil {
		d.logger.WithError(err).Warnf("%s failed", cmd.Name)
	}
	return out, err
}

func (d *Dispatcher) cmdHelp(ctx context.Context, cmd *Command) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	lines := []string{"Available commands:"}
	for _, name := range d.commandOrder {
		lines = append(lines, fmt.Sprintf("  %-28s: %s", name, d.commandHelp[name]))
	}
	return strings.Join(lines, "\n"), nil
}
