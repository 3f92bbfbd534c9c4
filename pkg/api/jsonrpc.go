// JSON-RPC method dispatch and REST handlers
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"klipper-ace/pkg/errors"
)

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// Bounds a command issued over the API, including a full tool change.
const commandTimeout = 10 * time.Minute

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Data carries the host error code, e.g. OPERATOR_SLOT_NOT_READY.
	Data string `json:"data,omitempty"`
}

// rpcError is returned by dispatch for protocol level failures.
type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string { return e.msg }

func toRPCError(err error) *jsonRPCError {
	if re, ok := err.(*rpcError); ok {
		return &jsonRPCError{Code: re.code, Message: re.msg}
	}
	return &jsonRPCError{Code: codeServerError, Message: err.Error(), Data: string(errors.CodeOf(err))}
}

func notification(method string, params []any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	}
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: codeParseError, Message: "Parse error"},
		})
		return
	}

	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
	result, err := s.dispatchMethod(r.Context(), req.Method, req.Params, nil)
	if err != nil {
		resp.Error = toRPCError(err)
	} else {
		resp.Result = result
	}
	writeJSON(w, http.StatusOK, resp)
}

// dispatchMethod routes a method call; client is nil for HTTP callers.
func (s *Server) dispatchMethod(ctx context.Context, method string, params map[string]any, client *WSClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo(), nil
	case "ace.status":
		return s.backend.Status(), nil
	case "ace.connections":
		return s.backend.Status().Connections, nil
	case "ace.command":
		return s.methodCommand(ctx, params)
	case "ace.subscribe":
		if client == nil {
			return nil, &rpcError{codeInvalidParams, "ace.subscribe requires a websocket connection"}
		}
		client.subscribed.Store(true)
		return s.backend.Status(), nil
	default:
		return nil, &rpcError{codeMethodNotFound, fmt.Sprintf("Method not found: %s", method)}
	}
}

func (s *Server) methodServerInfo() map[string]any {
	return map[string]any{
		"version":           Version,
		"hostname":          hostname(),
		"uptime":            s.eventtime(),
		"websocket_clients": s.clientCount(),
		"printer_control":   s.cfg.Printer != nil,
	}
}

func (s *Server) methodCommand(ctx context.Context, params map[string]any) (any, error) {
	script, _ := params["script"].(string)
	if script == "" {
		return nil, &rpcError{codeInvalidParams, "missing script parameter"}
	}
	return s.execute(ctx, script)
}

func (s *Server) execute(ctx context.Context, script string) (string, error) {
	// Request contexts end with the connection; a tool change must not
	// be abandoned halfway because a client went away.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commandTimeout)
	defer cancel()
	out, err := s.backend.Execute(cctx, script)
	if err != nil {
		s.log.WithField("script", script).WithError(err).Warn("API command failed")
	}
	return out, err
}

// restMethod serves a parameterless method as GET.
func (s *Server) restMethod(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := s.dispatchMethod(r.Context(), method, nil, nil)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": toRPCError(err)})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	script := r.URL.Query().Get("script")
	if script == "" {
		var body struct {
			Script string `json:"script"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		script = body.Script
	}
	if script == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing script"})
		return
	}
	s.writeCommandResult(w, r, script)
}

func (s *Server) handleChangeTool(w http.ResponseWriter, r *http.Request) {
	tool, err := strconv.Atoi(chi.URLParam(r, "tool"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid tool"})
		return
	}
	s.writeCommandResult(w, r, fmt.Sprintf("ACE_CHANGE_TOOL TOOL=%d", tool))
}

func (s *Server) writeCommandResult(w http.ResponseWriter, r *http.Request, script string) {
	out, err := s.execute(r.Context(), script)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errors.ErrCommandUnknown) || errors.Is(err, errors.ErrCommandMissingParam) ||
			errors.Is(err, errors.ErrCommandInvalidParam) {
			status = http.StatusBadRequest
		} else if errors.IsOperatorActionable(err) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"error": toRPCError(err), "output": out})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": out})
}

func (s *Server) handlePrintAction(w http.ResponseWriter, r *http.Request) {
	p := s.cfg.Printer
	if p == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "print control is handled by the host"})
		return
	}
	switch chi.URLParam(r, "action") {
	case "start":
		p.SetPrinting(true)
	case "cancel":
		p.SetPrinting(false)
	case "pause":
		_ = p.Pause("paused via API")
	case "resume":
		_ = p.Resume()
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown action"})
		return
	}
	s.NotifyChanged()
	paused, reason := p.Paused()
	writeJSON(w, http.StatusOK, map[string]any{"result": map[string]any{
		"printing": p.IsPrinting(),
		"paused":   paused,
		"reason":   reason,
	}})
}
