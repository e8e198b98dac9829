package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeSessionExpire clears a bot session that went idle past its expiry
const TypeSessionExpire = "bot:session-expire"

// SessionSweeper clears a session if it is still the stale one
type SessionSweeper interface {
	ClearStaleSession(ctx context.Context, ticketID int64, sessionID string, staleBefore time.Time) (bool, error)
}

// EventPublisher publishes realtime ticket events
type EventPublisher interface {
	PublishTicket(ticketID int64, event map[string]interface{}) error
}

// SessionExpirePayload is the task payload for TypeSessionExpire
type SessionExpirePayload struct {
	TicketID  int64  `json:"ticketId"`
	SessionID string `json:"sessionId"`
	// IdleSeconds is the idle window after which the session is stale
	IdleSeconds int64 `json:"idleSeconds"`
}

type JobServer struct {
	server  *asynq.Server
	client  *asynq.Client
	sweeper SessionSweeper
	bus     EventPublisher
	now     func() time.Time
	log     *zap.Logger
}

func NewJobServer(redisAddr string, sweeper SessionSweeper, bus EventPublisher, log *zap.Logger) (*JobServer, *asynq.Client) {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	client := asynq.NewClient(redisOpt)

	return &JobServer{
		server:  server,
		client:  client,
		sweeper: sweeper,
		bus:     bus,
		now:     time.Now,
		log:     log,
	}, client
}

func (js *JobServer) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSessionExpire, js.handleSessionExpire)
	return js.server.Start(mux)
}

func (js *JobServer) Stop() {
	js.server.Shutdown()
	js.client.Close()
}

// Job handlers

func (js *JobServer) handleSessionExpire(ctx context.Context, t *asynq.Task) error {
	var p SessionExpirePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	staleBefore := js.now().Add(-time.Duration(p.IdleSeconds) * time.Second)
	cleared, err := js.sweeper.ClearStaleSession(ctx, p.TicketID, p.SessionID, staleBefore)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	if !cleared {
		// refreshed, replaced or already gone
		return nil
	}

	if js.bus != nil {
		_ = js.bus.PublishTicket(p.TicketID, map[string]interface{}{
			"type":      "bot.expired",
			"ticketId":  p.TicketID,
			"sessionId": p.SessionID,
		})
	}

	js.log.Info("Bot session expired", zap.Int64("ticket_id", p.TicketID), zap.String("session_id", p.SessionID))
	return nil
}

// Schedule jobs

// NewSessionExpireTask builds the expiry task for a session
func NewSessionExpireTask(ticketID int64, sessionID string, idle time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(SessionExpirePayload{
		TicketID:    ticketID,
		SessionID:   sessionID,
		IdleSeconds: int64(idle / time.Second),
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSessionExpire, payload), nil
}

func ScheduleSessionExpiry(client *asynq.Client, ticketID int64, sessionID string, idle time.Duration) error {
	task, err := NewSessionExpireTask(ticketID, sessionID, idle)
	if err != nil {
		return err
	}
	_, err = client.Enqueue(task, asynq.ProcessIn(idle), asynq.Queue("low"))
	return err
}
