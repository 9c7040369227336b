// Package versioning creates cards and their immutable versions. Editing a
// card never touches an existing version: it appends one and repoints the
// head.
package versioning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/cardvault/internal/blobstore"
	"github.com/dharsanguruparan/cardvault/internal/listcache"
	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/model"
	"github.com/dharsanguruparan/cardvault/internal/repository"
)

// ErrNotReady rejects versioning a card whose upload has not completed.
var ErrNotReady = errors.New("card is not complete")

// Service owns card and version creation.
type Service struct {
	repo  repository.Store
	blobs blobstore.Store
	cache *listcache.Invalidator
	log   *logger.Logger
}

func New(repo repository.Store, blobs blobstore.Store, cache *listcache.Invalidator, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{repo: repo, blobs: blobs, cache: cache, log: log.With("component", "versioning")}
}

// NewCard is the input to CreateCardWithInitialVersion.
type NewCard struct {
	Card    *model.Card
	Version *model.Version
	Tags    []string
}

// CreateCardWithInitialVersion stores the card and its first version in one
// atomic write, then links tags. A storage error is returned as is and never
// retried, since a retry could duplicate the card. Tag linking runs afterwards
// and its failure only gets logged.
func (s *Service) CreateCardWithInitialVersion(ctx context.Context, in NewCard) error {
	card, v := in.Card, in.Version
	if card.ID == "" {
		card.ID = uuid.NewString()
	}
	if card.Slug == "" {
		card.Slug = model.RecordSlug(card.Name, card.ID)
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if err := s.repo.CreateCardWithVersion(ctx, card, v); err != nil {
		s.log.Error("create card failed", "card_id", card.ID, "version_id", v.ID, "error", err)
		return fmt.Errorf("create card: %w", err)
	}
	s.LinkTags(ctx, card.ID, in.Tags)
	s.cache.InvalidateCard(ctx, card.ID)
	return nil
}

// LinkTags links tags to cardID. Failures are logged and never undo the
// card.
func (s *Service) LinkTags(ctx context.Context, cardID string, tags []string) {
	if len(tags) == 0 {
		return
	}
	if err := s.repo.LinkTags(ctx, cardID, tags); err != nil {
		s.log.Warn("tag linking failed", "card_id", cardID, "tags", tags, "error", err)
	}
}

// CreateVersion appends v to cardID with the current head as parent. When
// forkedFrom is set the new version also records that lineage.
func (s *Service) CreateVersion(ctx context.Context, cardID string, v *model.Version, forkedFrom *string) error {
	card, err := s.repo.GetCard(ctx, cardID)
	if err != nil {
		return err
	}
	if card.ProcessingStatus != model.StatusComplete {
		return ErrNotReady
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.CardID = cardID
	v.ForkedFromID = forkedFrom
	if err := s.repo.AppendVersion(ctx, v); err != nil {
		return fmt.Errorf("append version: %w", err)
	}
	s.cache.InvalidateCard(ctx, cardID)
	return nil
}

// ForkCard creates a card owned by uploaderID whose first version copies
// the source head. The copy owns its own blobs so deleting either card leaves
// the other intact.
func (s *Service) ForkCard(ctx context.Context, sourceCardID, uploaderID string) (*model.Card, error) {
	src, err := s.repo.GetCard(ctx, sourceCardID)
	if err != nil {
		return nil, err
	}
	if src.ProcessingStatus != model.StatusComplete || src.HeadVersionID == nil {
		return nil, ErrNotReady
	}
	head, err := s.repo.GetVersion(ctx, *src.HeadVersionID)
	if err != nil {
		return nil, fmt.Errorf("load source head: %w", err)
	}

	card := &model.Card{
		ID:           uuid.NewString(),
		Name:         src.Name,
		Description:  src.Description,
		Creator:      src.Creator,
		CreatorNotes: src.CreatorNotes,
		UploaderID:   uploaderID,
		Visibility:   model.VisibilityPublic,
	}
	card.Slug = model.RecordSlug(card.Name, card.ID)
	v, moves := cloneVersionFor(head, card.ID)
	if err := s.copyBlobs(ctx, moves); err != nil {
		return nil, err
	}
	forkedFrom := head.ID
	v.ForkedFromID = &forkedFrom

	if err := s.CreateCardWithInitialVersion(ctx, NewCard{Card: card, Version: v, Tags: src.Tags}); err != nil {
		s.deleteBlobs(ctx, v.BlobPaths())
		return nil, err
	}
	return card, nil
}

// cloneVersionFor copies head's content into a fresh version of cardID with
// blob paths rebased under the new card. moves maps old to new paths; blob
// keys embedded in the card data (rehosted media URLs) are rewritten too.
func cloneVersionFor(head *model.Version, cardID string) (*model.Version, map[string]string) {
	v := &model.Version{
		ID:          uuid.NewString(),
		CardID:      cardID,
		ContentHash: head.ContentHash,
		Format:      head.Format,
		SpecVersion: head.SpecVersion,
		Tokens:      head.Tokens,
		Stats:       head.Stats,
	}
	moves := map[string]string{}
	rebase := func(p string) string {
		if p == "" {
			return ""
		}
		if np, ok := moves[p]; ok {
			return np
		}
		np := blobstore.Key("cards", cardID, v.ID, baseOf(p))
		moves[p] = np
		return np
	}
	v.StoragePath = rebase(head.StoragePath)
	v.ImagePath = rebase(head.ImagePath)
	v.ThumbnailPath = rebase(head.ThumbnailPath)
	for _, a := range head.Assets {
		a.Path = rebase(a.Path)
		v.Assets = append(v.Assets, a)
	}
	data := append([]byte(nil), head.CardData...)
	for old, np := range moves {
		data = bytes.ReplaceAll(data, []byte(old), []byte(np))
	}
	v.CardData = data
	return v, moves
}

// baseOf keeps the part of p below the cards/<card>/<version>/ prefix, or
// the file name for other layouts.
func baseOf(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) > 3 && parts[0] == "cards" {
		return strings.Join(parts[3:], "/")
	}
	return parts[len(parts)-1]
}

func (s *Service) copyBlobs(ctx context.Context, moves map[string]string) error {
	var copied []string
	for from, to := range moves {
		if err := blobstore.Copy(ctx, s.blobs, from, to); err != nil {
			s.deleteBlobs(ctx, copied)
			return fmt.Errorf("copy fork blob: %w", err)
		}
		copied = append(copied, to)
	}
	return nil
}

// DeleteCard removes a card, all of its versions and every blob they
// reference. Blob deletion failures are logged, not returned.
func (s *Service) DeleteCard(ctx context.Context, id string) error {
	card, err := s.repo.GetCard(ctx, id)
	if err != nil {
		return err
	}
	versions, err := s.repo.DeleteCard(ctx, id)
	if err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	var paths []string
	for _, v := range versions {
		paths = append(paths, v.BlobPaths()...)
	}
	s.deleteBlobs(ctx, paths)
	s.cache.InvalidateCard(ctx, id)
	if card.CollectionID != nil {
		s.cache.Invalidate(ctx, listcache.ScopeCollections)
	}
	s.log.Info("card deleted", "card_id", id, "versions", len(versions))
	return nil
}

func (s *Service) deleteBlobs(ctx context.Context, paths []string) {
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		if err := s.blobs.Delete(ctx, p); err != nil {
			s.log.Warn("blob delete failed", "path", p, "error", err)
		}
	}
}

// Versions lists a card's versions newest first.
func (s *Service) Versions(ctx context.Context, cardID string) ([]*model.Version, error) {
	return s.repo.ListVersions(ctx, cardID)
}
