package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/media"
	"github.com/dharsanguruparan/cardvault/internal/queue"
	"github.com/dharsanguruparan/cardvault/internal/repository"
)

// Resolver is the part of media.Resolver the worker needs.
type Resolver interface {
	Resolve(ctx context.Context, cardID string) (*media.Result, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	resolver Resolver
	log      *logger.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(resolver Resolver, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{resolver: resolver, log: log.With("component", "worker")}
}

// Handler registers the resolve job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ResolveMediaTask, p.handleResolveMedia)
	return mux
}

func (p *Processor) handleResolveMedia(ctx context.Context, task *asynq.Task) error {
	var payload queue.ResolveMediaPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	res, err := p.resolver.Resolve(ctx, payload.CardID)
	if errors.Is(err, repository.ErrNotFound) {
		p.log.Info("card gone before media resolution", "card_id", payload.CardID)
		return nil
	}
	if err != nil {
		p.log.Error("media resolution failed", "card_id", payload.CardID, "error", err)
		return err
	}
	p.log.Info("media resolution done", "card_id", payload.CardID,
		"version_id", res.VersionID, "rehosted", res.Rehosted, "failed", res.Failed, "noop", res.Noop)
	return nil
}
