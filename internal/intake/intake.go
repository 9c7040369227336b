// Package intake handles payloads that arrive in one piece: direct uploads,
// new versions of an existing card, and the cardctl ingest command.
package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/dharsanguruparan/cardvault/internal/collection"
	"github.com/dharsanguruparan/cardvault/internal/ingest"
	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/metrics"
	"github.com/dharsanguruparan/cardvault/internal/model"
	"github.com/dharsanguruparan/cardvault/internal/router"
	"github.com/dharsanguruparan/cardvault/internal/versioning"
)

// ErrPackageVersion rejects a multi-character package uploaded as a new
// version of a single card.
var ErrPackageVersion = errors.New("a multi-character package cannot be a card version")

// Outcome reports what an upload produced. Collection is set for packages,
// Card and Version otherwise.
type Outcome struct {
	Kind       router.Kind
	Card       *model.Card
	Version    *model.Version
	Collection *collection.Result
}

// Service routes payloads and hands them to the version store or the
// collection expander.
type Service struct {
	router      *router.Router
	pipeline    *ingest.Pipeline
	versions    *versioning.Service
	collections *collection.Expander
	log         *logger.Logger
}

func New(r *router.Router, pipeline *ingest.Pipeline, versions *versioning.Service, collections *collection.Expander, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		router:      r,
		pipeline:    pipeline,
		versions:    versions,
		collections: collections,
		log:         log.With("component", "intake"),
	}
}

// Ingest publishes data as a new card or, for packages, a new collection.
func (s *Service) Ingest(ctx context.Context, data []byte, up ingest.Upload) (*Outcome, error) {
	res, err := s.router.Route(data)
	if err != nil {
		metrics.Ingests.WithLabelValues("unknown", metrics.OutcomeFailure).Inc()
		return nil, err
	}
	if res.Kind == router.KindCollection {
		out, err := s.collections.Expand(ctx, collection.Request{Package: res.Package, Raw: data, Upload: up})
		if err != nil {
			metrics.Ingests.WithLabelValues(string(model.FormatVoxta), metrics.OutcomeFailure).Inc()
			return nil, err
		}
		metrics.Ingests.WithLabelValues(string(model.FormatVoxta), metrics.OutcomeSuccess).Inc()
		return &Outcome{Kind: res.Kind, Collection: out}, nil
	}
	card, v, err := s.IngestSingle(ctx, res.Single, data, up)
	if err != nil {
		return nil, err
	}
	return &Outcome{Kind: res.Kind, Card: card, Version: v}, nil
}

// IngestSingle creates a card from an already routed character.
func (s *Service) IngestSingle(ctx context.Context, single *router.Single, raw []byte, up ingest.Upload) (*model.Card, *model.Version, error) {
	format := string(single.Format)
	card, tags := ingest.CardFromPayload(single.Card, up.UploaderID, up.Visibility, up.Tags)
	prep, err := s.pipeline.Prepare(ctx, ingest.Input{CardID: card.ID, Single: single, Raw: raw})
	if err != nil {
		metrics.Ingests.WithLabelValues(format, metrics.OutcomeFailure).Inc()
		return nil, nil, err
	}
	if err := s.versions.CreateCardWithInitialVersion(ctx, versioning.NewCard{Card: card, Version: prep.Version, Tags: tags}); err != nil {
		s.pipeline.Discard(ctx, prep)
		metrics.Ingests.WithLabelValues(format, metrics.OutcomeFailure).Inc()
		return nil, nil, err
	}
	metrics.Ingests.WithLabelValues(format, metrics.OutcomeSuccess).Inc()
	s.log.Info("card ingested", "card_id", card.ID, "version_id", prep.Version.ID, "format", format)
	return card, prep.Version, nil
}

// NewVersion parses data and appends it to cardID.
func (s *Service) NewVersion(ctx context.Context, cardID string, data []byte, forkedFrom *string) (*model.Version, error) {
	res, err := s.router.Route(data)
	if err != nil {
		return nil, err
	}
	if res.Kind != router.KindSingle {
		return nil, ErrPackageVersion
	}
	prep, err := s.pipeline.Prepare(ctx, ingest.Input{CardID: cardID, Single: res.Single, Raw: data})
	if err != nil {
		return nil, err
	}
	if err := s.versions.CreateVersion(ctx, cardID, prep.Version, forkedFrom); err != nil {
		s.pipeline.Discard(ctx, prep)
		return nil, fmt.Errorf("new version of %s: %w", cardID, err)
	}
	return prep.Version, nil
}
