// Package media rehosts remote images referenced by a card. Resolution runs
// on demand: a read notices pending references and triggers Resolve, which
// fetches them, stores them as blobs and appends a version whose only change
// is the rewritten URLs.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dharsanguruparan/cardvault/internal/blobstore"
	"github.com/dharsanguruparan/cardvault/internal/cardcodec"
	"github.com/dharsanguruparan/cardvault/internal/contenthash"
	"github.com/dharsanguruparan/cardvault/internal/listcache"
	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/metrics"
	"github.com/dharsanguruparan/cardvault/internal/model"
	"github.com/dharsanguruparan/cardvault/internal/repository"
	"github.com/dharsanguruparan/cardvault/internal/versioning"
)

// ErrResolutionTimeout is soft: the caller serves the unresolved card.
var ErrResolutionTimeout = errors.New("media resolution still pending")

// AssetKindRemote marks rehosted media in a version's asset list.
const AssetKindRemote = "remote"

// Trigger schedules Resolve for a card somewhere else (a queue or a pool).
type Trigger interface {
	Trigger(ctx context.Context, cardID string) error
}

// Options configure a Resolver.
type Options struct {
	// BaseURL is the public base URL; media under it counts as hosted.
	BaseURL      string
	FetchTimeout time.Duration
	MaxBytes     int64
	Concurrency  int
	// FailureTTL is how long a failing URL is left alone.
	FailureTTL time.Duration
	// Client replaces the default client, which refuses loopback, private
	// and link-local addresses.
	Client *http.Client
}

// Result summarizes one Resolve call.
type Result struct {
	VersionID string
	Rehosted  int
	Failed    int
	Noop      bool
}

// Resolver rehosts remote media.
type Resolver struct {
	repo     repository.Store
	blobs    blobstore.Store
	cache    *listcache.Invalidator
	client   *http.Client
	opts     Options
	failures *cache.Cache
	group    singleflight.Group
	log      *logger.Logger
}

func New(repo repository.Store, blobs blobstore.Store, inv *listcache.Invalidator, opts Options, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Nop()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = 10 * time.Minute
	}
	client := opts.Client
	if client == nil {
		client = newPublicClient(opts.FetchTimeout)
	}
	return &Resolver{
		repo:     repo,
		blobs:    blobs,
		cache:    inv,
		client:   client,
		opts:     opts,
		failures: cache.New(opts.FailureTTL, 2*opts.FailureTTL),
		log:      log.With("component", "media"),
	}
}

func (r *Resolver) hostedPrefix() string {
	if r.opts.BaseURL == "" {
		return ""
	}
	return blobstore.PublicURL(r.opts.BaseURL, "")
}

// NeedsResolution reports whether payload references remote images that
// are not rehosted yet.
func NeedsResolution(payload []byte, hostedPrefix string) bool {
	card, err := cardcodec.DecodeCard(payload)
	if err != nil {
		return false
	}
	return len(ExternalRefs(card, hostedPrefix)) > 0
}

// pending lists the references of card worth fetching now.
func (r *Resolver) pending(card *cardcodec.Card) []string {
	refs := ExternalRefs(card, r.hostedPrefix())
	out := refs[:0]
	for _, u := range refs {
		if _, failed := r.failures.Get(u); !failed {
			out = append(out, u)
		}
	}
	return out
}

// Pending reports whether a complete card has references to resolve.
func (r *Resolver) Pending(ctx context.Context, card *model.Card) (bool, error) {
	if card.ProcessingStatus != model.StatusComplete || card.HeadVersionID == nil {
		return false, nil
	}
	head, err := r.repo.GetVersion(ctx, *card.HeadVersionID)
	if err != nil {
		return false, err
	}
	payload, err := cardcodec.DecodeCard(head.CardData)
	if err != nil {
		return false, nil
	}
	return len(r.pending(payload)) > 0, nil
}

// Resolve rehosts the pending media of cardID. Concurrent calls for the same
// card in this process share one run; a run that loses the head race to
// another process is a no-op.
func (r *Resolver) Resolve(ctx context.Context, cardID string) (*Result, error) {
	v, err, _ := r.group.Do(cardID, func() (interface{}, error) {
		return r.resolve(ctx, cardID)
	})
	if err != nil {
		metrics.MediaResolutions.WithLabelValues(metrics.OutcomeFailure).Inc()
		return nil, err
	}
	res := v.(*Result)
	if res.Noop {
		metrics.MediaResolutions.WithLabelValues(metrics.OutcomeNoop).Inc()
	} else {
		metrics.MediaResolutions.WithLabelValues(metrics.OutcomeSuccess).Inc()
	}
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, cardID string) (*Result, error) {
	card, err := r.repo.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.ProcessingStatus != model.StatusComplete || card.HeadVersionID == nil {
		return &Result{Noop: true}, nil
	}
	head, err := r.repo.GetVersion(ctx, *card.HeadVersionID)
	if err != nil {
		return nil, err
	}
	payload, err := cardcodec.DecodeCard(head.CardData)
	if err != nil {
		return nil, fmt.Errorf("decode head of %s: %w", cardID, err)
	}
	refs := r.pending(payload)
	if len(refs) == 0 {
		return &Result{Noop: true}, nil
	}

	fetched := r.fetchAll(ctx, cardID, refs)
	res := &Result{Failed: len(refs) - len(fetched)}
	if len(fetched) == 0 {
		res.Noop = true
		return res, nil
	}

	urls := make(map[string]string, len(fetched))
	next := &model.Version{
		ID:            uuid.NewString(),
		CardID:        cardID,
		StoragePath:   head.StoragePath,
		ContentHash:   head.ContentHash,
		Format:        head.Format,
		SpecVersion:   head.SpecVersion,
		ImagePath:     head.ImagePath,
		ThumbnailPath: head.ThumbnailPath,
		Assets:        append([]model.AssetRef{}, head.Assets...),
	}
	for _, ref := range refs {
		f, ok := fetched[ref]
		if !ok {
			continue
		}
		urls[ref] = blobstore.PublicURL(r.opts.BaseURL, f.key)
		next.Assets = append(next.Assets, model.AssetRef{
			Name:       f.hash,
			Kind:       AssetKindRemote,
			Extension:  f.ext,
			Path:       f.key,
			SourcePath: ref,
			Size:       f.size,
		})
	}
	rewrite(payload, urls)
	if next.CardData, err = json.Marshal(payload); err != nil {
		return nil, fmt.Errorf("encode card data: %w", err)
	}
	next.Tokens, next.Stats = versioning.Measure(payload, head.Stats.EmbeddedAssets)

	// Media keys are content addressed, so blobs written by a run that loses
	// the race are the same ones the winner references.
	if err := r.repo.AppendVersionIfHead(ctx, next, head.ID); err != nil {
		if errors.Is(err, repository.ErrHeadMoved) {
			r.log.Info("head moved during media resolution", "card_id", cardID)
			return &Result{Noop: true}, nil
		}
		return nil, fmt.Errorf("append media version: %w", err)
	}
	r.cache.InvalidateCard(ctx, cardID)
	res.VersionID = next.ID
	res.Rehosted = len(urls)
	r.log.Info("media rehosted", "card_id", cardID, "version_id", next.ID, "rehosted", res.Rehosted, "failed", res.Failed)
	return res, nil
}

type fetchedMedia struct {
	key  string
	hash string
	ext  string
	size int64
}

// fetchAll downloads refs with bounded concurrency. Failures go into the
// negative cache, unless ctx ended, and are left out of the result.
func (r *Resolver) fetchAll(ctx context.Context, cardID string, refs []string) map[string]fetchedMedia {
	var (
		mu  sync.Mutex
		out = make(map[string]fetchedMedia, len(refs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, ref := range refs {
		g.Go(func() error {
			data, ext, err := r.fetch(gctx, ref)
			if err == nil {
				f := fetchedMedia{hash: contenthash.Sum(data), ext: ext, size: int64(len(data))}
				f.key = blobstore.Key("cards", cardID, "media", f.hash+"."+ext)
				err = blobstore.PutBytes(gctx, r.blobs, f.key, data)
				if err == nil {
					mu.Lock()
					out[ref] = f
					mu.Unlock()
					return nil
				}
			}
			r.log.Warn("media fetch failed", "card_id", cardID, "url", ref, "error", err)
			// A cancelled caller says nothing about the URL.
			if gctx.Err() == nil {
				r.failures.Set(ref, err.Error(), cache.DefaultExpiration)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// WaitResolved polls until cardID has no pending media or limit elapses.
// On timeout it returns ErrResolutionTimeout and the caller proceeds with
// the card as is.
func (r *Resolver) WaitResolved(ctx context.Context, cardID string, limit, interval time.Duration) (*model.Card, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		card, err := r.repo.GetCard(ctx, cardID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrResolutionTimeout
			}
			return nil, err
		}
		pending, err := r.Pending(ctx, card)
		if err == nil && !pending {
			return card, nil
		}
		select {
		case <-ctx.Done():
			metrics.MediaResolutions.WithLabelValues(metrics.OutcomeTimeout).Inc()
			return card, ErrResolutionTimeout
		case <-ticker.C:
		}
	}
}
