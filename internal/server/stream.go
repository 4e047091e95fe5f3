package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/opentask/internal/hub"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// stream relays a task's hub messages as Server-Sent Events until the
// completion message or client disconnect. Last-Event-ID resumes after a
// message that is still retained.
func (h *TasksHandler) stream(c echo.Context) error {
	req := c.Request()
	ctx, span := tasksTracer.Start(req.Context(), "TasksHandler.stream")
	defer span.End()
	id := c.Param("id")
	span.SetAttributes(attribute.String("task.id", id))

	if _, err := h.store.GetTask(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return toHTTP(err)
	}
	v := h.hub.SubscribeAfter(id, req.Header.Get("Last-Event-ID"))
	defer v.Close()

	// A finished task whose messages were already swept gets its completion straight away.
	if task, err := h.store.GetTask(ctx, id); err == nil && task.Status.Terminal() && len(h.hub.Backlog(id)) == 0 {
		h.hub.Forget(id)
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		span.SetStatus(codes.Error, "streaming unsupported")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	send := func(event, msgID string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		frame := ""
		if msgID != "" {
			frame = "id: " + msgID + "\n"
		}
		frame += "event: " + event + "\ndata: " + string(data) + "\n\n"
		if _, err := resp.Write([]byte(frame)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send("connect", "", map[string]string{"task_id": id}); err != nil {
		return nil
	}

	keepalive := h.cfg.StreamKeepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	sent := 0
	for {
		waitCtx, cancel := context.WithTimeout(ctx, keepalive)
		msg, ok := v.Next(waitCtx)
		cancel()
		if !ok {
			if ctx.Err() != nil {
				span.SetAttributes(attribute.Int("messages", sent))
				return nil
			}
			if _, err := fmt.Fprint(resp, ":\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
			continue
		}
		if err := send(string(msg.Kind), msg.ID, msg); err != nil {
			h.logger.Printf("stream %s: write: %v", id, err)
			return nil
		}
		sent++
		if msg.Kind == hub.KindCompletion {
			span.SetAttributes(attribute.Int("messages", sent))
			return nil
		}
	}
}
