package ws

import (
	"context"
	"errors"
	"strconv"

	"botbridge/internal/service"

	"go.uber.org/zap"
)

// BotController is the bot surface reachable through websocket commands
type BotController interface {
	State(ctx context.Context, tenantID, ticketID int64) (*service.BotState, error)
	Stop(ctx context.Context, tenantID, ticketID int64, reason string) (*service.BotState, error)
}

// CommandHandler handles WebSocket commands
type CommandHandler struct {
	bots BotController
	log  *zap.Logger
}

func NewCommandHandler(bots BotController, log *zap.Logger) *CommandHandler {
	return &CommandHandler{bots: bots, log: log}
}

// HandleCommand processes a WebSocket command
func (h *CommandHandler) HandleCommand(ctx context.Context, conn *Conn, cmd map[string]interface{}) {
	op, _ := cmd["op"].(string)
	data, _ := cmd["data"].(map[string]interface{})
	msgID, _ := cmd["id"].(string)

	switch op {
	case "bot.state":
		h.handleState(ctx, conn, msgID, data)
	case "bot.stop":
		h.handleStop(ctx, conn, msgID, data)
	default:
		h.sendError(conn, msgID, "unknown_command", "Unknown command: "+op)
	}
}

func (h *CommandHandler) handleState(ctx context.Context, conn *Conn, msgID string, data map[string]interface{}) {
	ticketID, ok := ticketIDFrom(data)
	if !ok {
		h.sendError(conn, msgID, "invalid_input", "ticketId required")
		return
	}

	state, err := h.bots.State(ctx, conn.tenantID, ticketID)
	if err != nil {
		h.sendServiceError(conn, msgID, err)
		return
	}
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": state,
	})
}

func (h *CommandHandler) handleStop(ctx context.Context, conn *Conn, msgID string, data map[string]interface{}) {
	ticketID, ok := ticketIDFrom(data)
	if !ok {
		h.sendError(conn, msgID, "invalid_input", "ticketId required")
		return
	}
	reason, _ := data["reason"].(string)
	if reason == "" {
		reason = "stopped by " + conn.userID
	}

	state, err := h.bots.Stop(ctx, conn.tenantID, ticketID, reason)
	if err != nil {
		h.sendServiceError(conn, msgID, err)
		return
	}
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": state,
	})
}

// ticketIDFrom accepts the id as a JSON number or a numeric string
func ticketIDFrom(data map[string]interface{}) (int64, bool) {
	switch v := data["ticketId"].(type) {
	case float64:
		if v > 0 && v == float64(int64(v)) {
			return int64(v), true
		}
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

func (h *CommandHandler) sendServiceError(conn *Conn, msgID string, err error) {
	switch {
	case errors.Is(err, service.ErrTicketNotFound):
		h.sendError(conn, msgID, "not_found", "Ticket not found")
	case errors.Is(err, service.ErrTurnInFlight):
		h.sendError(conn, msgID, "busy", err.Error())
	default:
		h.log.Error("Bot command failed", zap.Error(err))
		h.sendError(conn, msgID, "internal_error", "Command failed")
	}
}

func (h *CommandHandler) sendResponse(conn *Conn, msgID string, response map[string]interface{}) {
	if msgID != "" {
		response["id"] = msgID
	}
	if !conn.sendJSON(response) {
		h.log.Warn("Failed to send response, channel full")
	}
}

func (h *CommandHandler) sendError(conn *Conn, msgID, code, message string) {
	resp := map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	if msgID != "" {
		resp["id"] = msgID
	}
	if !conn.sendJSON(resp) {
		h.log.Warn("Failed to send error, channel full")
	}
}
