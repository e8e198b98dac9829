package jobs

import (
	"time"

	"github.com/hibiken/asynq"
)

// AsynqJobClient schedules bot jobs through asynq
type AsynqJobClient struct {
	client *asynq.Client
}

func NewAsynqJobClient(client *asynq.Client) *AsynqJobClient {
	return &AsynqJobClient{client: client}
}

func (c *AsynqJobClient) ScheduleSessionExpiry(ticketID int64, sessionID string, after time.Duration) error {
	return ScheduleSessionExpiry(c.client, ticketID, sessionID, after)
}
