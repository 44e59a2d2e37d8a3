// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/polychat-dev/polychat/services/gateway/conversation"
)

const (
	// wsPingInterval keeps idle subscriptions from being cut by LBs.
	wsPingInterval = 30 * time.Second

	// wsWriteTimeout bounds each outbound write.
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsEvent is the wire frame for change notifications.
type wsEvent struct {
	Action string               `json:"action"`
	Change *conversation.Change `json:"change,omitempty"`
}

// HandleChatWebSocket handles GET /v1/chats/:id/ws.
//
// Upgrades the connection and streams store change notifications for the
// chat. A second browser tab subscribes here to mirror a generation it did
// not start; on each change it re-fetches the chat over REST. Use chat ID
// "all" to receive changes for every chat.
func HandleChatWebSocket(store *conversation.Store) gin.HandlerFunc {
	if store == nil {
		panic("handlers: nil conversation store")
	}

	return func(c *gin.Context) {
		chatID := c.Param("id")
		if chatID == "all" {
			chatID = ""
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade websocket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("Websocket subscriber connected", "chatId", chatID)

		changes, unsubscribe := store.Subscribe(chatID)
		defer unsubscribe()

		if err := writeWS(ws, wsEvent{Action: "subscribed"}); err != nil {
			return
		}

		// Reader goroutine: we never expect client frames, but reading is
		// what surfaces close frames and connection loss.
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-readerDone:
				slog.Info("Websocket subscriber disconnected", "chatId", chatID)
				return
			case <-c.Request.Context().Done():
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				if err := writeWS(ws, wsEvent{Action: "change", Change: &change}); err != nil {
					return
				}
			case <-ticker.C:
				deadline := time.Now().Add(wsWriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}
}

func writeWS(ws *websocket.Conn, v any) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := ws.WriteJSON(v); err != nil {
		slog.Debug("Failed to write websocket frame", "error", err)
		return err
	}
	return nil
}
