package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/loomworks/loom/assistant"
	"github.com/loomworks/loom/store"
)

type chatRequest struct {
	Message  string   `json:"message"`
	ThreadID string   `json:"threadId"`
	Sources  []string `json:"sources"`
}

// handleChat runs one assistant turn and streams the result over SSE.
func (s *APIV1Service) handleChat(c *echo.Context) error {
	if s.Profile.AIAPIKey == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "assistant is not configured (missing LOOM_AI_API_KEY)")
	}

	userID, err := s.requireAuth(c)
	if err != nil {
		return err
	}

	var req chatRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message required")
	}

	ctx := c.Request().Context()
	turnID := uuid.NewString()
	log := slog.With("turn", turnID, "user", userID)

	rw := c.Response()
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.Header().Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)

	emit := func(eventType, payload string) {
		data, _ := json.Marshal(map[string]string{"type": eventType, "content": payload})
		fmt.Fprintf(rw, "data: %s\n\n", data)
		if f, ok := rw.(http.Flusher); ok {
			f.Flush()
		}
	}
	emitJSON := func(eventType string, obj any) {
		inner, _ := json.Marshal(obj)
		data, _ := json.Marshal(map[string]json.RawMessage{
			"type":    json.RawMessage(`"` + eventType + `"`),
			"payload": inner,
		})
		fmt.Fprintf(rw, "data: %s\n\n", data)
		if f, ok := rw.(http.Flusher); ok {
			f.Flush()
		}
	}

	resp, err := s.Assistant.Thread(ctx, &assistant.Request[assistant.NoContext]{
		Message:  req.Message,
		UserID:   userID,
		ThreadID: req.ThreadID,
		Sources:  req.Sources,
	})
	if err != nil {
		log.Warn("assistant turn failed", "err", err)
		emit("error", err.Error())
		return nil
	}
	log.Info("assistant turn completed", "thread", resp.ThreadID)

	for _, word := range strings.Fields(resp.Message) {
		emit("token", word+" ")
		time.Sleep(8 * time.Millisecond)
	}
	if len(resp.Created)+len(resp.Updated)+len(resp.Deleted) > 0 {
		emitJSON("entities", map[string]any{
			"created": resp.Created,
			"updated": resp.Updated,
			"deleted": resp.Deleted,
		})
	}

	// Auto-title newly created threads in the background.
	if resp.ThreadID != req.ThreadID {
		go s.autoTitleThread(context.Background(), resp.ThreadID, req.Message)
	}

	emit("done", resp.ThreadID)
	return nil
}

// autoTitleThread asks the model for a short title. Best-effort.
func (s *APIV1Service) autoTitleThread(ctx context.Context, uid, firstMessage string) {
	title, err := s.Assistant.GenerateTitle(ctx, firstMessage)
	if err != nil || title == "" {
		return
	}
	if _, err := s.Store.UpdateThread(ctx, &store.UpdateThread{UID: uid, Title: &title}); err != nil {
		slog.Warn("auto-title failed", "thread", uid, "err", err)
	}
}
