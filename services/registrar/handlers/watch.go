// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/regpilot/services/registrar/events"
	"github.com/AleutianAI/regpilot/services/registrar/middleware"
)

// JobFeed supplies live job events to WatchJob.
type JobFeed interface {
	Subscribe(tenantID, jobID string) *events.Subscription
}

var _ JobFeed = (*events.Broker)(nil)

const (
	watchWriteWait  = 10 * time.Second
	watchPongWait   = 60 * time.Second
	watchPingPeriod = watchPongWait * 9 / 10
)

// Callers authenticate with an API key before the upgrade, so the origin
// check adds nothing.
var watchUpgrader = websocket.Upgrader{
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// WatchJob streams a job's state changes over a websocket.
//
// The first message is the job's current state. Each committed transition
// follows as its own message. The server closes the socket normally once
// the job reaches COMPLETED or ERROR. A watcher that falls behind is
// closed with "try again later" and should reconnect.
//
// GET /v1/jobs/:id/watch
func WatchJob(svc JobService, feed JobFeed) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := middleware.TenantID(c)
		jobID := c.Param("id")

		// Subscribe before reading so no transition falls between the
		// snapshot and the feed.
		sub := feed.Subscribe(tenant, jobID)
		defer sub.Cancel()

		job, err := svc.Status(c.Request.Context(), tenant, jobID)
		if err != nil {
			writeError(c, err)
			return
		}

		ws, err := watchUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("watch upgrade failed", "job_id", jobID, "error", err)
			return
		}
		defer ws.Close()

		logger := slog.With("job_id", jobID, "tenant_id", tenant, "subscription", sub.ID)
		logger.Debug("watcher connected")

		gone := readUntilClosed(ws)

		first := events.FromJob(job)
		if err := writeEvent(ws, first); err != nil || first.Terminal() {
			closeWatch(ws, websocket.CloseNormalClosure, "job finished")
			return
		}

		ping := time.NewTicker(watchPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-gone:
				logger.Debug("watcher went away")
				return

			case e, ok := <-sub.C:
				if !ok {
					if sub.Lagged() {
						closeWatch(ws, websocket.CloseTryAgainLater, "watcher fell behind")
					} else {
						closeWatch(ws, websocket.CloseGoingAway, "server shutting down")
					}
					return
				}
				// Events from an earlier cycle can still be queued after a retry.
				if e.Cycle < first.Cycle {
					continue
				}
				if err := writeEvent(ws, e); err != nil {
					logger.Debug("watch write failed", "error", err)
					return
				}
				if e.Terminal() {
					closeWatch(ws, websocket.CloseNormalClosure, "job finished")
					return
				}

			case <-ping.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
					return
				}
			}
		}
	}
}

// readUntilClosed drains client frames so pongs and close frames are
// processed. The returned channel closes when the client is gone.
func readUntilClosed(ws *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(watchPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(watchPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return gone
}

func writeEvent(ws *websocket.Conn, e events.Event) error {
	_ = ws.SetWriteDeadline(time.Now().Add(watchWriteWait))
	return ws.WriteJSON(e)
}

func closeWatch(ws *websocket.Conn, code int, reason string) {
	err := ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(watchWriteWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		slog.Debug("watch close failed", "error", err)
	}
}
