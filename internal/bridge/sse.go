package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// stream pushes session snapshots as server-sent events until the client
// goes away or the session closes.
func (h *handlers) stream(c *gin.Context) {
	s, ok := h.session(c, c.Query("user"))
	if !ok {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()

	writeSSE(c.Writer, "connected", map[string]string{"eventId": s.EventID(), "userId": s.UserID()})
	writeSSE(c.Writer, "snapshot", snapshot(s.Snapshot()))
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case u, ok := <-updates:
			if !ok {
				writeSSE(c.Writer, "closed", map[string]string{"eventId": s.EventID()})
				c.Writer.Flush()
				return
			}
			writeSSE(c.Writer, "snapshot", snapshot(u))
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("bridge: encode %s event: %v", event, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
