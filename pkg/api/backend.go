// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"context"
	"strings"

	"klipper-ace/pkg/commands"
	"klipper-ace/pkg/manager"
)

// ManagerBackend serves a manager through its command dispatcher.
type ManagerBackend struct {
	Manager    *manager.Manager
	Dispatcher *commands.Dispatcher
}

func (b *ManagerBackend) Status() manager.Status { return b.Manager.Status() }

// Execute runs each non-empty line in order and stops at the first error.
func (b *ManagerBackend) Execute(ctx context.Context, script string) (string, error) {
	var out []string
	for _, line := range strings.Split(script, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		res, err := b.Dispatcher.Execute(ctx, line)
		if res != "" {
			out = append(out, res)
		}
		if err != nil {
			return strings.Join(out, "\n"), err
		}
	}
	return strings.Join(out, "\n"), nil
}

// Attach wires manager change and prompt events into the server's
// websocket notifications.
func Attach(s *Server, m *manager.Manager) {
	m.OnChange(s.NotifyChanged)
	m.OnPrompt(s.NotifyPrompt)
}
