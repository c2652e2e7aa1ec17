// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handlers serves the conductor HTTP API.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	svc      *Service
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates handlers for svc.
func NewHandlers(svc *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

func requestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleAsk handles POST /v1/conductor/ask.
//
// Response:
//
//	200 OK: TurnResponse. A failed turn is still 200 with failed=true and
//	        an apology in answer.
//	400 Bad Request: Missing query or unknown mode.
func (h *Handlers) HandleAsk(c *gin.Context) {
	logger := h.logger.With(slog.String("request_id", requestID(c)), slog.String("handler", "HandleAsk"))

	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	resp, err := h.svc.Ask(c.Request.Context(), req, nil)
	if resp == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	if err != nil {
		logger.Warn("ask failed", slog.String("turn_id", resp.TurnID), slog.String("error", err.Error()))
	}
	c.JSON(http.StatusOK, resp)
}

// HandleTools handles GET /v1/conductor/tools.
func (h *Handlers) HandleTools(c *gin.Context) {
	snap := h.svc.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"generation": snap.Generation(),
		"tools":      h.svc.Tools(),
	})
}

// HandleReconnect handles POST /v1/conductor/reconnect.
//
// Response:
//
//	200 OK: Health after the refresh.
//	409 Conflict: The catalog could not be rebuilt; previous tools stay.
func (h *Handlers) HandleReconnect(c *gin.Context) {
	if _, err := h.svc.Reconnect(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "REFRESH_FAILED"})
		return
	}
	c.JSON(http.StatusOK, h.svc.Health())
}

// HandleHealth handles GET /v1/conductor/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Health())
}

// =============================================================================
// Streaming
// =============================================================================

// StreamFrame is one websocket message sent by HandleAskStream.
type StreamFrame struct {
	// Type is "progress", "answer" or "error".
	Type     string               `json:"type"`
	Event    *agent.ProgressEvent `json:"event,omitempty"`
	Response *TurnResponse        `json:"response,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// frameWriter serializes writes to one connection.
type frameWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *frameWriter) write(f StreamFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(f)
}

// HandleAskStream handles GET /v1/conductor/ask/stream.
//
// Description:
//
//	After the upgrade the client sends one TurnRequest as JSON. The
//	server replies with a "progress" frame per ProgressEvent and ends
//	with one "answer" frame (or an "error" frame for a bad request),
//	then closes.
func (h *Handlers) HandleAskStream(c *gin.Context) {
	logger := h.logger.With(slog.String("request_id", requestID(c)), slog.String("handler", "HandleAskStream"))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	w := &frameWriter{conn: conn}

	var req TurnRequest
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := conn.ReadJSON(&req); err != nil {
		_ = w.write(StreamFrame{Type: "error", Error: "expected a JSON ask request"})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	sink := agent.ProgressSink(func(ev agent.ProgressEvent) {
		if err := w.write(StreamFrame{Type: "progress", Event: &ev}); err != nil {
			logger.Debug("progress frame dropped", slog.String("error", err.Error()))
		}
	})

	resp, err := h.svc.Ask(c.Request.Context(), req, sink)
	if resp == nil {
		_ = w.write(StreamFrame{Type: "error", Error: err.Error()})
		return
	}
	if err != nil {
		logger.Warn("streamed ask failed", slog.String("turn_id", resp.TurnID), slog.String("error", err.Error()))
	}
	if err := w.write(StreamFrame{Type: "answer", Response: resp}); err != nil {
		logger.Debug("answer frame dropped", slog.String("error", err.Error()))
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second))
}
