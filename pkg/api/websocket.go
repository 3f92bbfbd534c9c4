// Websocket clients
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReadLimit    = 512 * 1024
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 64
)

// WSClient is one websocket connection.
type WSClient struct {
	id         int64
	conn       *websocket.Conn
	server     *Server
	sendCh     chan any
	done       chan struct{}
	mu         sync.Mutex
	subscribed atomic.Bool
}

func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, wsSendBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues a message; it is dropped when the client is not keeping up.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.log.Warn("dropping message to websocket client %d (queue full)", c.id)
	}
}

func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.WithError(err).Warn("websocket read failed")
			}
			return
		}
		// Commands can run for minutes; keep reading so pings and
		// status queries are not starved.
		go c.handleMessage(message)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.log.WithError(err).Warn("websocket write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: codeParseError, Message: "Parse error"},
		})
		return
	}

	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
	result, err := c.server.dispatchMethod(context.Background(), req.Method, req.Params, c)
	if err != nil {
		resp.Error = toRPCError(err)
	} else {
		resp.Result = result
	}
	c.Send(resp)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.log.Debug("websocket client %d connected", client.id)

	go client.writePump()
	client.readPump()
}

func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()
	s.log.Debug("websocket client %d disconnected", client.id)
}
