package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"botbridge/internal/auth"
	"botbridge/internal/metrics"
	"botbridge/internal/service"
	"botbridge/internal/ws"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// BotAPI is the bot surface served over HTTP
type BotAPI interface {
	HandleInbound(ctx context.Context, tenantID, ticketID int64, in service.InboundInput) (*service.InboundResult, error)
	State(ctx context.Context, tenantID, ticketID int64) (*service.BotState, error)
	Stop(ctx context.Context, tenantID, ticketID int64, reason string) (*service.BotState, error)
}

// FileStore holds media handed to the bot provider
type FileStore interface {
	Put(ctx context.Context, objectName string, reader io.Reader) (int64, error)
	Get(ctx context.Context, objectName string) (io.ReadCloser, error)
	PresignGet(ctx context.Context, objectName string, expiresIn time.Duration) (string, error)
	Verify(objectName, expires, sig string) error
}

type Dependencies struct {
	Bots  BotAPI
	Files FileStore
	Hub   *ws.Hub
	Auth  *auth.JWTConfig
	Log   *zap.Logger
}

func Routes(d Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestLogger(d.Log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())

	// Signed media URLs are fetched by the bot provider without credentials
	if d.Files != nil {
		r.Get("/files/*", d.getFile)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(d.Auth.Middleware)

		r.Post("/tickets/{id}/inbound", d.inbound)
		r.Get("/tickets/{id}/bot", d.botState)
		r.Post("/tickets/{id}/bot/stop", d.stopBot)

		if d.Files != nil {
			r.Put("/files/*", d.putFile)
		}

		r.Get("/ws", d.wsHandler)
	})

	return r
}
