package api

import (
	"io"
	"strconv"
	"time"

	"mediabatch/task"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

const (
	sseBuffer    = 64
	sseKeepAlive = 15 * time.Second
)

// handleEvents streams scheduler events as server-sent events. A client
// resuming with Last-Event-ID (or ?since=) first receives the buffered
// events it missed. Slow clients drop events rather than stall the scheduler.
func (h *Handler) handleEvents(c *gin.Context) {
	since := int64(-1)
	if v := c.GetHeader("Last-Event-ID"); v != "" {
		since, _ = strconv.ParseInt(v, 10, 64)
	} else if v := c.Query("since"); v != "" {
		since, _ = strconv.ParseInt(v, 10, 64)
	}
	kind := task.EventKind(c.Query("kind"))

	ch := make(chan task.Event, sseBuffer)
	unsubscribe := h.scheduler.Events().Subscribe(kind, func(ev task.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer unsubscribe()

	var backlog []task.Event
	if since >= 0 {
		for _, ev := range h.scheduler.Events().Since(since) {
			if kind == "" || ev.Kind == kind {
				backlog = append(backlog, ev)
			}
		}
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	last := since
	send := func(ev task.Event) {
		if ev.Seq <= last {
			return
		}
		last = ev.Seq
		c.Render(-1, sse.Event{
			Id:    strconv.FormatInt(ev.Seq, 10),
			Event: string(ev.Kind),
			Data:  ev,
		})
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	done := c.Request.Context().Done()

	// headers and the backlog go out before the first blocking wait
	c.Status(200)
	started := false
	c.Stream(func(w io.Writer) bool {
		if !started {
			started = true
			for _, ev := range backlog {
				send(ev)
			}
			return true
		}
		select {
		case <-done:
			return false
		case ev := <-ch:
			send(ev)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		}
	})
}
