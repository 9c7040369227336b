package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/cardvault/internal/logger"
)

const (
	// ResolveMediaTask is scheduled when a read finds remote media on a card.
	ResolveMediaTask = "card:resolve_media"
)

// ResolveMediaPayload is serialized into the task payload so the worker knows
// which card to resolve.
type ResolveMediaPayload struct {
	CardID string `json:"card_id"`
}

// NewResolveMediaTask builds the task. The card id doubles as the task id,
// so reads racing on the same card enqueue it once.
func NewResolveMediaTask(cardID string) (*asynq.Task, []asynq.Option, error) {
	data, err := json.Marshal(ResolveMediaPayload{CardID: cardID})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	opts := []asynq.Option{
		asynq.TaskID(ResolveMediaTask + ":" + cardID),
		asynq.MaxRetry(3),
		asynq.Timeout(2 * time.Minute),
	}
	return asynq.NewTask(ResolveMediaTask, data), opts, nil
}

// Enqueuer hands media resolution to the asynq worker.
type Enqueuer struct {
	client *asynq.Client
	log    *logger.Logger
}

func NewEnqueuer(client *asynq.Client, log *logger.Logger) *Enqueuer {
	if log == nil {
		log = logger.Nop()
	}
	return &Enqueuer{client: client, log: log.With("component", "queue")}
}

// Trigger enqueues a resolve task. A task already queued for the card is
// not an error.
func (e *Enqueuer) Trigger(ctx context.Context, cardID string) error {
	task, opts, err := NewResolveMediaTask(cardID)
	if err != nil {
		return err
	}
	if _, err := e.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			e.log.Debug("resolve task already queued", "card_id", cardID)
			return nil
		}
		return fmt.Errorf("enqueue resolve task: %w", err)
	}
	return nil
}
