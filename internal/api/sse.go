package api

import (
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// GET /api/events?types=task.,scheduler.
//
// Streams bus events as SSE, one "event: <type>" per bus event with the
// event JSON as data. Slow clients miss events rather than stall the bus.
func (h *handlers) events(c *gin.Context) {
	if h.bus == nil {
		c.JSON(503, gin.H{"error": "event stream unavailable"})
		return
	}
	var prefixes []string
	for _, p := range strings.Split(c.Query("types"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	ch, unsub := h.bus.Subscribe(64, prefixes...)
	defer unsub()

	ping := time.NewTicker(h.keepalive)
	defer ping.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"at": time.Now().UTC()})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-h.done:
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return true
		case t := <-ping.C:
			c.SSEvent("ping", gin.H{"at": t.UTC()})
			return true
		}
	})
}
