package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/cirisai/ciris-engine/pkg/events"
	"github.com/cirisai/ciris-engine/pkg/models"
)

// interactHandler handles POST /api/v1/agent/interact: the message goes
// through the gate, and the call waits up to the interact window for the
// agent's first SPEAK on the conversation channel. A slower answer is not an
// error; the client keeps following the task over the event stream.
func (s *Server) interactHandler(c *echo.Context) error {
	var req InteractRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	user := currentUser(c)

	channelID := req.ChannelID
	if channelID == "" {
		channelID = "api/" + user.Username
	}

	// Subscribe before admission so the reply cannot slip between accept
	// and wait.
	sub := s.hub.Subscribe(events.ConversationChannel(channelID))
	defer sub.Close()

	ctx := c.Request().Context()
	result, err := s.gate.Accept(ctx, models.InboundEvent{
		AdapterID: "api",
		ChannelID: channelID,
		SubjectID: user.ID,
		Payload:   req.Message,
		IsDirect:  true,
		ArrivedAt: time.Now().UTC(),
		Role:      user.Role,
	})
	if err != nil {
		return mapServiceError(err)
	}
	if !result.Accepted {
		status := http.StatusForbidden
		if result.Rejection == models.RejectionCreditDenied {
			status = http.StatusPaymentRequired
		}
		return c.JSON(status, InteractResponse{
			Accepted:  false,
			ChannelID: channelID,
			Rejection: result.Rejection,
			Detail:    result.Detail,
		})
	}

	if _, _, err := s.messages.RecordInbound(ctx, models.ChannelMessage{
		ChannelID: channelID,
		AdapterID: "api",
		AuthorID:  user.ID,
		Content:   req.Message,
	}); err != nil {
		s.logger.Error("Failed to record inbound message", "channel_id", channelID, "error", err)
	}

	resp := InteractResponse{
		Accepted:  true,
		TaskID:    result.TaskID,
		ChannelID: channelID,
	}

	timer := time.NewTimer(s.cfg.InteractTimeout)
	defer timer.Stop()
	for {
		select {
		case data := <-sub.C:
			var msg events.MessagePayload
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type != events.EventTypeMessage || msg.Direction != string(models.DirectionOutbound) {
				continue
			}
			resp.Response = msg.Content
			return c.JSON(http.StatusOK, resp)
		case <-timer.C:
			return c.JSON(http.StatusAccepted, resp)
		case <-ctx.Done():
			return c.JSON(http.StatusAccepted, resp)
		}
	}
}

// taskStatusHandler handles GET /api/v1/agent/status/:task_id.
func (s *Server) taskStatusHandler(c *echo.Context) error {
	taskID := c.Param("task_id")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	ctx := c.Request().Context()
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return mapServiceError(err)
	}
	thoughts, err := s.thoughts.ThoughtsForTask(ctx, taskID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, TaskStatusResponse{Task: task, Thoughts: thoughts})
}

// identityHandler handles GET /api/v1/agent/identity.
func (s *Server) identityHandler(c *echo.Context) error {
	snap := s.runtime.Snapshot()
	return c.JSON(http.StatusOK, IdentityResponse{
		IdentitySnapshot: s.identity,
		CognitiveState:   snap.CognitiveState,
	})
}

// historyHandler handles GET /api/v1/agent/history/{channel_id}.
func (s *Server) historyHandler(c *echo.Context) error {
	channelID := c.Param("*")
	if channelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel id is required")
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	history, err := s.buses.Communication.FetchHistory(c.Request().Context(), channelID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, history)
}
