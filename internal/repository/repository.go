// Package repository persists cards, versions, collections, tags and upload
// sessions. Postgres is the production backend; Memory serves tests and
// single-process deployments without a database.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/cardvault/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrHeadMoved is returned by AppendVersionIfHead when another writer
	// repointed the head first.
	ErrHeadMoved = errors.New("card head moved")
	// ErrInvalidState rejects an upload session or card transition that does
	// not apply to the current status.
	ErrInvalidState = errors.New("invalid state transition")
)

// Sort orders for card listings.
const (
	SortNew       = "new"
	SortPopular   = "popular"
	SortDownloads = "downloads"
)

const (
	defaultLimit = 24
	maxLimit     = 100
)

// CardQuery filters a public card listing.
type CardQuery struct {
	Page         int
	Limit        int
	Sort         string
	CollectionID string
	Tag          string
	Creator      string
}

// Normalize clamps paging and defaults the sort order.
func (q CardQuery) Normalize() CardQuery {
	q.Page, q.Limit = clampPage(q.Page, q.Limit)
	switch q.Sort {
	case SortPopular, SortDownloads:
	default:
		q.Sort = SortNew
	}
	return q
}

// CollectionQuery filters a public collection listing.
type CollectionQuery struct {
	Page    int
	Limit   int
	Creator string
}

func (q CollectionQuery) Normalize() CollectionQuery {
	q.Page, q.Limit = clampPage(q.Page, q.Limit)
	return q
}

func clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return page, limit
}

// Store is the datastore contract the ingestion pipeline depends on.
//
// CreateCardWithVersion, AppendVersion and AppendVersionIfHead write the
// version before repointing the head, so a reader never sees a head that
// points at a missing version.
type Store interface {
	// CreateCardWithVersion inserts card and its first version and points the
	// head at it. When v.ForkedFromID is set the source card's fork counter is
	// bumped in the same batch.
	CreateCardWithVersion(ctx context.Context, card *model.Card, v *model.Version) error
	// AppendVersion sets v.ParentVersionID to the current head, inserts v and
	// repoints the head.
	AppendVersion(ctx context.Context, v *model.Version) error
	// AppendVersionIfHead is AppendVersion conditioned on the head still
	// being expectedHead.
	AppendVersionIfHead(ctx context.Context, v *model.Version, expectedHead string) error
	GetCard(ctx context.Context, id string) (*model.Card, error)
	GetCardBySlug(ctx context.Context, slug string) (*model.Card, error)
	GetVersion(ctx context.Context, id string) (*model.Version, error)
	// ListVersions returns a card's versions newest first.
	ListVersions(ctx context.Context, cardID string) ([]*model.Version, error)
	ListCards(ctx context.Context, q CardQuery) ([]*model.Card, int, error)
	ListCollectionCards(ctx context.Context, collectionID string) ([]*model.Card, error)
	// DeleteCard removes the card, its versions and tag links and returns
	// the removed versions so their blobs can be released.
	DeleteCard(ctx context.Context, id string) ([]*model.Version, error)
	IncrementDownloads(ctx context.Context, id string) error
	// LinkTags finds or creates each tag by slug, links it to the card and
	// bumps its usage count. Already linked tags are left alone.
	LinkTags(ctx context.Context, cardID string, names []string) error

	CreateCollection(ctx context.Context, c *model.Collection) error
	GetCollection(ctx context.Context, id string) (*model.Collection, error)
	GetCollectionByPackageID(ctx context.Context, packageID string) (*model.Collection, error)
	ListCollections(ctx context.Context, q CollectionQuery) ([]*model.Collection, int, error)

	// CreatePendingUpload inserts a placeholder card without a head together
	// with its upload session.
	CreatePendingUpload(ctx context.Context, card *model.Card, s *model.UploadSession) error
	GetSession(ctx context.Context, id string) (*model.UploadSession, error)
	// RecordPart stores or replaces a part on a pending session.
	RecordPart(ctx context.Context, sessionID string, part model.UploadPart) error
	// ClaimSession moves a pending session and its card to processing. It
	// returns ErrInvalidState together with the current session when the
	// session is not pending.
	ClaimSession(ctx context.Context, id string) (*model.UploadSession, error)
	// CompleteSession publishes the placeholder card with v as its first
	// version and marks the session complete.
	CompleteSession(ctx context.Context, sessionID string, card *model.Card, v *model.Version) error
	// CompleteSessionAsCollection removes the placeholder card after its
	// payload was expanded into a collection.
	CompleteSessionAsCollection(ctx context.Context, sessionID, collectionID string) error
	// FailSession marks the session and its card failed with msg.
	FailSession(ctx context.Context, sessionID, msg string) error
	// ListStaleSessions returns pending sessions last touched before
	// pendingBefore and processing sessions last touched before
	// processingBefore, oldest first.
	ListStaleSessions(ctx context.Context, pendingBefore, processingBefore time.Time) ([]*model.UploadSession, error)
}

func newID() string { return uuid.NewString() }

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *time.Time { return &t }

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneCard(c *model.Card) *model.Card {
	out := *c
	out.HeadVersionID = cloneStr(c.HeadVersionID)
	out.CollectionID = cloneStr(c.CollectionID)
	out.CollectionItemID = cloneStr(c.CollectionItemID)
	out.UploadSessionID = cloneStr(c.UploadSessionID)
	out.Tags = append([]string{}, c.Tags...)
	return &out
}

func cloneVersion(v *model.Version) *model.Version {
	out := *v
	out.ParentVersionID = cloneStr(v.ParentVersionID)
	out.ForkedFromID = cloneStr(v.ForkedFromID)
	out.Assets = append([]model.AssetRef{}, v.Assets...)
	out.CardData = append([]byte(nil), v.CardData...)
	return &out
}

func cloneCollection(c *model.Collection) *model.Collection {
	out := *c
	out.PackageID = cloneStr(c.PackageID)
	if c.DateModified != nil {
		out.DateModified = timePtr(*c.DateModified)
	}
	return &out
}

func cloneSession(s *model.UploadSession) *model.UploadSession {
	out := *s
	out.Tags = append([]string{}, s.Tags...)
	out.Parts = append([]model.UploadPart{}, s.Parts...)
	out.VersionID = cloneStr(s.VersionID)
	out.CollectionID = cloneStr(s.CollectionID)
	if s.CompletedAt != nil {
		out.CompletedAt = timePtr(*s.CompletedAt)
	}
	return &out
}
