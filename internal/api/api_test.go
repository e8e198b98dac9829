package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"botbridge/internal/auth"
	"botbridge/internal/resolver"
	"botbridge/internal/service"
	"botbridge/internal/storage"
	"botbridge/internal/ws"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBots struct {
	tenantID int64
	ticketID int64
	inbound  service.InboundInput
	reason   string
	err      error
}

func (f *fakeBots) HandleInbound(ctx context.Context, tenantID, ticketID int64, in service.InboundInput) (*service.InboundResult, error) {
	f.tenantID, f.ticketID, f.inbound = tenantID, ticketID, in
	if f.err != nil {
		return nil, f.err
	}
	return &service.InboundResult{Processed: true}, nil
}

func (f *fakeBots) State(ctx context.Context, tenantID, ticketID int64) (*service.BotState, error) {
	f.tenantID, f.ticketID = tenantID, ticketID
	if f.err != nil {
		return nil, f.err
	}
	return &service.BotState{TicketID: ticketID, State: "active", IsBot: true}, nil
}

func (f *fakeBots) Stop(ctx context.Context, tenantID, ticketID int64, reason string) (*service.BotState, error) {
	f.tenantID, f.ticketID, f.reason = tenantID, ticketID, reason
	if f.err != nil {
		return nil, f.err
	}
	return &service.BotState{TicketID: ticketID, State: "no_session"}, nil
}

func newTestRouter(t *testing.T, bots *fakeBots) (http.Handler, *storage.LocalStorage) {
	files, err := storage.NewLocalStorage(t.TempDir(), "http://bridge.test", "secret")
	require.NoError(t, err)
	return Routes(Dependencies{
		Bots:  bots,
		Files: files,
		Hub:   ws.NewHub(zap.NewNop()),
		Auth:  auth.NewJWTConfig(""),
		Log:   zap.NewNop(),
	}), files
}

func do(h http.Handler, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInbound(t *testing.T) {
	bots := &fakeBots{}
	h, _ := newTestRouter(t, bots)

	body := `{"messageId":"m1","text":"hi","timestamp":"2026-01-02T03:04:05Z","sessionId":"wa-1","attachments":["a.png"]}`
	rec := do(h, http.MethodPost, "/v1/tickets/42/inbound", strings.NewReader(body), map[string]string{"X-Tenant-ID": "3"})
	require.Equal(t, http.StatusOK, rec.Code)

	var res service.InboundResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.True(t, res.Processed)

	assert.Equal(t, int64(3), bots.tenantID)
	assert.Equal(t, int64(42), bots.ticketID)
	assert.Equal(t, "wa-1", bots.inbound.SessionHandle)
	assert.Equal(t, "m1", bots.inbound.MessageID)
	assert.Equal(t, []string{"a.png"}, bots.inbound.Attachments)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), bots.inbound.Timestamp.UTC())
}

func TestInbound_DefaultsTimestampAndValidatesKind(t *testing.T) {
	bots := &fakeBots{}
	h, _ := newTestRouter(t, bots)

	rec := do(h, http.MethodPost, "/v1/tickets/1/inbound", strings.NewReader(`{"text":"hi","kind":"agent"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, bots.inbound.Timestamp.IsZero())
	assert.Equal(t, resolver.KindAgent, bots.inbound.Kind)

	rec = do(h, http.MethodPost, "/v1/tickets/1/inbound", strings.NewReader(`{"text":"hi","kind":"robot"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/v1/tickets/abc/inbound", strings.NewReader(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/v1/tickets/1/inbound", strings.NewReader(`{`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInbound_RejectsOversizedBody(t *testing.T) {
	bots := &fakeBots{}
	h, _ := newTestRouter(t, bots)

	body := `{"text":"` + strings.Repeat("a", maxRequestBody) + `"}`
	rec := do(h, http.MethodPost, "/v1/tickets/1/inbound", strings.NewReader(body), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, bots.ticketID)

	rec = do(h, http.MethodPost, "/v1/tickets/1/bot/stop", strings.NewReader(`{"reason":"`+strings.Repeat("a", maxRequestBody)+`"}`), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServiceErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{service.ErrTicketNotFound, http.StatusNotFound},
		{service.ErrTurnInFlight, http.StatusConflict},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h, _ := newTestRouter(t, &fakeBots{err: tt.err})
		rec := do(h, http.MethodGet, "/v1/tickets/1/bot", nil, nil)
		assert.Equal(t, tt.code, rec.Code)

		var resp ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.NotEmpty(t, resp.Code)
	}
}

func TestBotStateAndStop(t *testing.T) {
	bots := &fakeBots{}
	h, _ := newTestRouter(t, bots)

	rec := do(h, http.MethodGet, "/v1/tickets/5/bot", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state service.BotState
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&state))
	assert.Equal(t, "active", state.State)

	rec = do(h, http.MethodPost, "/v1/tickets/5/bot/stop", strings.NewReader(`{"reason":"handoff"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "handoff", bots.reason)

	rec = do(h, http.MethodPost, "/v1/tickets/5/bot/stop", nil, map[string]string{"X-User-ID": "ana"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped by ana", bots.reason)
}

func TestAuthRequiredWithSecret(t *testing.T) {
	h := Routes(Dependencies{
		Bots: &fakeBots{},
		Auth: auth.NewJWTConfig("s3cret"),
		Log:  zap.NewNop(),
	})

	rec := do(h, http.MethodGet, "/v1/tickets/5/bot", nil, map[string]string{"X-Tenant-ID": "1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(h, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFiles_UploadAndSignedDownload(t *testing.T) {
	h, _ := newTestRouter(t, &fakeBots{})

	rec := do(h, http.MethodPut, "/v1/files/tickets/1/photo.png", bytes.NewReader([]byte("png-bytes")), map[string]string{"Content-Type": "image/png"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var out struct {
		ObjectName string `json:"objectName"`
		Size       int64  `json:"size"`
		GetURL     string `json:"getUrl"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "tickets/1/photo.png", out.ObjectName)
	assert.Equal(t, int64(9), out.Size)
	require.True(t, strings.HasPrefix(out.GetURL, "http://bridge.test/files/tickets/1/photo.png?"))

	rec = do(h, http.MethodGet, strings.TrimPrefix(out.GetURL, "http://bridge.test"), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = do(h, http.MethodGet, "/files/tickets/1/photo.png?expires=1&sig=00", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFiles_PolicyViolation(t *testing.T) {
	h, _ := newTestRouter(t, &fakeBots{})

	rec := do(h, http.MethodPut, "/v1/files/tool.exe", strings.NewReader("MZ"), map[string]string{"Content-Type": "application/x-msdownload"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTicketChannelAuthorizer(t *testing.T) {
	bots := &fakeBots{}
	authorize := TicketChannelAuthorizer(bots)
	hub := ws.NewHub(zap.NewNop())
	conn := ws.NewConn(nil, hub, "agent", 4)

	assert.True(t, authorize(context.Background(), conn, "ticket:9"))
	assert.Equal(t, int64(4), bots.tenantID)
	assert.Equal(t, int64(9), bots.ticketID)
	assert.True(t, authorize(context.Background(), conn, "ticket:9:stream"))
	assert.False(t, authorize(context.Background(), conn, "ticket:abc"))
	assert.False(t, authorize(context.Background(), conn, "tenant:1"))

	bots.err = service.ErrTicketNotFound
	assert.False(t, authorize(context.Background(), conn, "ticket:9"))
}
