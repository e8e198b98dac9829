package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"botbridge/internal/auth"
	"botbridge/internal/ws"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	// Dashboards are served from other origins; access is gated by the token
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		d.Log.Error("WebSocket hub not initialized")
		http.Error(w, "WebSocket hub not initialized", http.StatusInternalServerError)
		return
	}

	userID := auth.GetUserID(r.Context())
	if userID == "" {
		userID = "anonymous"
	}
	tenantID := auth.GetTenantID(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	d.Log.Info("WebSocket connected",
		zap.String("user", userID),
		zap.Int64("tenant_id", tenantID),
		zap.String("remote", r.RemoteAddr),
	)

	wsConn := ws.NewConn(conn, d.Hub, userID, tenantID)
	d.Hub.Register(wsConn)

	go wsConn.WritePump()
	go wsConn.ReadPump()
}

// TicketChannelAuthorizer admits subscriptions to "ticket:{id}" and
// "ticket:{id}:stream" channels of tickets visible to the connection's tenant.
func TicketChannelAuthorizer(bots BotAPI) ws.ChannelAuthorizer {
	return func(ctx context.Context, conn *ws.Conn, channel string) bool {
		rest, ok := strings.CutPrefix(channel, "ticket:")
		if !ok {
			return false
		}
		rest = strings.TrimSuffix(rest, ":stream")
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id <= 0 {
			return false
		}
		_, err = bots.State(ctx, conn.TenantID(), id)
		return err == nil
	}
}
