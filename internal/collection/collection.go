// Package collection expands a multi-character package into a collection
// and one card per character. Items are processed in order; a failing item
// is recorded and skipped.
package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/cardvault/internal/assets"
	"github.com/dharsanguruparan/cardvault/internal/blobstore"
	"github.com/dharsanguruparan/cardvault/internal/cardcodec"
	"github.com/dharsanguruparan/cardvault/internal/ingest"
	"github.com/dharsanguruparan/cardvault/internal/listcache"
	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/metrics"
	"github.com/dharsanguruparan/cardvault/internal/model"
	"github.com/dharsanguruparan/cardvault/internal/repository"
	"github.com/dharsanguruparan/cardvault/internal/router"
	"github.com/dharsanguruparan/cardvault/internal/versioning"
)

var (
	// ErrDuplicatePackage rejects a package id that was already uploaded with
	// the same or a later modification time.
	ErrDuplicatePackage = errors.New("package already uploaded")
	// ErrUpgradeUnsupported rejects a newer upload of a known package.
	ErrUpgradeUnsupported = errors.New("updating an uploaded package is not supported")
)

// PackageConflictError carries the details of a rejected re-upload.
type PackageConflictError struct {
	PackageID    string
	CollectionID string
	Existing     *time.Time
	Incoming     *time.Time
	Err          error
}

func (e *PackageConflictError) Error() string {
	return fmt.Sprintf("package %s (collection %s): %v; uploaded %s, received %s",
		e.PackageID, e.CollectionID, e.Err, stamp(e.Existing), stamp(e.Incoming))
}

func (e *PackageConflictError) Unwrap() error { return e.Err }

func stamp(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}

// ItemResult is the outcome for one package item.
type ItemResult struct {
	Index int
	Name  string
	Card  *model.Card
	Err   error
}

// BatchResult folds the per-item outcomes. Fewer successes than items is a
// partial success, not an error.
type BatchResult struct {
	Succeeded []ItemResult
	Failed    []ItemResult
}

func (b *BatchResult) add(r ItemResult) {
	if r.Err != nil {
		b.Failed = append(b.Failed, r)
		return
	}
	b.Succeeded = append(b.Succeeded, r)
}

// Created is the number of cards created.
func (b BatchResult) Created() int { return len(b.Succeeded) }

// Total is the number of items attempted.
func (b BatchResult) Total() int { return len(b.Succeeded) + len(b.Failed) }

// Result is what Expand returns.
type Result struct {
	Collection *model.Collection
	Batch      BatchResult
}

// Request is the input to Expand.
type Request struct {
	Package *cardcodec.Package
	Raw     []byte
	// RawKey is set when the package blob is already stored.
	RawKey string
	Upload ingest.Upload
}

// Expander creates collections.
type Expander struct {
	repo     repository.Store
	blobs    blobstore.Store
	pipeline *ingest.Pipeline
	versions *versioning.Service
	thumbs   ingest.Thumbnailer
	cache    *listcache.Invalidator
	log      *logger.Logger
}

func New(repo repository.Store, blobs blobstore.Store, pipeline *ingest.Pipeline, versions *versioning.Service,
	thumbs ingest.Thumbnailer, cache *listcache.Invalidator, log *logger.Logger) *Expander {
	if log == nil {
		log = logger.Nop()
	}
	return &Expander{
		repo:     repo,
		blobs:    blobs,
		pipeline: pipeline,
		versions: versions,
		thumbs:   thumbs,
		cache:    cache,
		log:      log.With("component", "collection"),
	}
}

// Expand creates the collection row, then one card per item. Only errors
// that prevent the collection itself from existing are returned.
func (e *Expander) Expand(ctx context.Context, req Request) (*Result, error) {
	pkg := req.Package
	if pkg == nil || len(pkg.Items) == 0 {
		return nil, cardcodec.ErrNotAPackage
	}
	meta := pkg.Meta
	if meta == nil {
		meta = &cardcodec.PackageMeta{}
	}
	if err := e.checkExisting(ctx, meta); err != nil {
		return nil, err
	}

	col := &model.Collection{
		ID:             uuid.NewString(),
		Name:           collectionName(pkg),
		Description:    meta.Description,
		Creator:        meta.Creator,
		UploaderID:     req.Upload.UploaderID,
		Visibility:     req.Upload.Visibility,
		PackageVersion: meta.Version,
		DateModified:   meta.DateModified.Ptr(),
		ItemsCount:     len(pkg.Items),
	}
	col.Slug = model.RecordSlug(col.Name, col.ID)
	if meta.ID != "" {
		id := meta.ID
		col.PackageID = &id
	}
	if col.Creator == "" {
		col.Creator = pkg.Items[0].Character.Creator
	}

	written, err := e.storePackage(ctx, col, req)
	if err != nil {
		return nil, err
	}
	if err := e.repo.CreateCollection(ctx, col); err != nil {
		e.deleteBlobs(ctx, written)
		if errors.Is(err, repository.ErrInvalidState) && col.PackageID != nil {
			return nil, &PackageConflictError{PackageID: *col.PackageID, Incoming: col.DateModified, Err: ErrDuplicatePackage}
		}
		return nil, fmt.Errorf("create collection: %w", err)
	}
	e.log.Info("collection created", "collection_id", col.ID, "items", col.ItemsCount)

	res := &Result{Collection: col}
	for i := range pkg.Items {
		r := e.expandItem(ctx, col, pkg, i, req.Upload)
		if r.Err != nil {
			e.log.Warn("collection item failed", "collection_id", col.ID, "index", i, "name", r.Name, "error", r.Err)
			metrics.CollectionItems.WithLabelValues(metrics.OutcomeFailure).Inc()
		} else {
			metrics.CollectionItems.WithLabelValues(metrics.OutcomeSuccess).Inc()
		}
		res.Batch.add(r)
	}
	e.cache.Invalidate(ctx, listcache.ScopeCollections)
	e.log.Info("collection expanded", "collection_id", col.ID,
		"created", res.Batch.Created(), "total", res.Batch.Total())
	return res, nil
}

// checkExisting rejects re-uploads of a known package id.
func (e *Expander) checkExisting(ctx context.Context, meta *cardcodec.PackageMeta) error {
	if meta.ID == "" {
		return nil
	}
	existing, err := e.repo.GetCollectionByPackageID(ctx, meta.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up package: %w", err)
	}
	incoming := meta.DateModified.Ptr()
	conflict := &PackageConflictError{
		PackageID:    meta.ID,
		CollectionID: existing.ID,
		Existing:     existing.DateModified,
		Incoming:     incoming,
		Err:          ErrDuplicatePackage,
	}
	if newer(incoming, existing.DateModified) {
		conflict.Err = ErrUpgradeUnsupported
	}
	return conflict
}

// newer reports whether incoming is strictly after existing. An unknown
// incoming time is never newer; an unknown existing time is older than any
// known one.
func newer(incoming, existing *time.Time) bool {
	switch {
	case incoming == nil:
		return false
	case existing == nil:
		return true
	default:
		return incoming.After(*existing)
	}
}

func collectionName(pkg *cardcodec.Package) string {
	if pkg.Meta != nil && pkg.Meta.Name != "" {
		return pkg.Meta.Name
	}
	first := pkg.Items[0].Character.Name
	if first == "" {
		first = "Untitled"
	}
	if n := len(pkg.Items); n > 1 {
		return fmt.Sprintf("%s and %d more", first, n-1)
	}
	return first
}

// storePackage writes the package blob and the cover thumbnail, returning
// the keys it created.
func (e *Expander) storePackage(ctx context.Context, col *model.Collection, req Request) ([]string, error) {
	var written []string
	col.StoragePath = req.RawKey
	if col.StoragePath == "" {
		key := blobstore.Key("collections", col.ID, "package."+model.FormatVoxta.Extension())
		if err := blobstore.PutBytes(ctx, e.blobs, key, req.Raw); err != nil {
			return nil, fmt.Errorf("store package: %w", err)
		}
		col.StoragePath = key
		written = append(written, key)
	}

	cover := coverImage(req.Package)
	if cover == nil {
		return written, nil
	}
	if e.thumbs != nil {
		key, err := e.thumbs.Generate(ctx, cover, col.ID, "cover")
		if err == nil {
			col.ThumbnailPath = key
			return append(written, key), nil
		}
		e.log.Warn("collection thumbnail failed", "collection_id", col.ID, "error", err)
	}
	key := blobstore.Key("collections", col.ID, "cover.png")
	if err := blobstore.PutBytes(ctx, e.blobs, key, cover); err != nil {
		e.log.Warn("store collection cover failed", "collection_id", col.ID, "error", err)
		return written, nil
	}
	col.ThumbnailPath = key
	return append(written, key), nil
}

// coverImage resolves the package thumbnail reference, falling back to the
// first item that has a thumbnail.
func coverImage(pkg *cardcodec.Package) []byte {
	if m := pkg.Meta; m != nil && m.ThumbnailResource != nil &&
		m.ThumbnailResource.Kind == cardcodec.ResourceKindCharacter {
		for i := range pkg.Items {
			it := &pkg.Items[i]
			if it.Character.ID == m.ThumbnailResource.ID && it.Thumbnail != nil {
				return it.Thumbnail
			}
		}
	}
	for i := range pkg.Items {
		if pkg.Items[i].Thumbnail != nil {
			return pkg.Items[i].Thumbnail
		}
	}
	return nil
}

func (e *Expander) expandItem(ctx context.Context, col *model.Collection, pkg *cardcodec.Package, i int, up ingest.Upload) ItemResult {
	item := &pkg.Items[i]
	res := ItemResult{Index: i, Name: item.Character.Name}
	if res.Name == "" {
		res.Name = item.Dir
	}
	card, err := item.ToCard(pkg.Meta)
	if err != nil {
		res.Err = err
		return res
	}
	row, tags := ingest.CardFromPayload(card, up.UploaderID, up.Visibility, up.Tags)
	colID := col.ID
	itemID := item.Character.ID
	if itemID == "" {
		itemID = item.Dir
	}
	row.CollectionID = &colID
	row.CollectionItemID = &itemID

	prep, err := e.pipeline.Prepare(ctx, ingest.Input{
		CardID: row.ID,
		Single: &router.Single{
			Format:      model.FormatVoxta,
			SpecVersion: card.Spec,
			Card:        card,
			Assets:      assets.FromPackageItem(item),
			Package:     pkg,
		},
		Raw:    item.Raw,
		RawExt: "json",
	})
	if err != nil {
		res.Err = err
		return res
	}
	if err := e.versions.CreateCardWithInitialVersion(ctx, versioning.NewCard{Card: row, Version: prep.Version, Tags: tags}); err != nil {
		e.pipeline.Discard(ctx, prep)
		res.Err = err
		return res
	}
	res.Card = row
	return res
}

func (e *Expander) deleteBlobs(ctx context.Context, keys []string) {
	for _, k := range keys {
		if err := e.blobs.Delete(ctx, k); err != nil {
			e.log.Warn("blob delete failed", "path", k, "error", err)
		}
	}
}
