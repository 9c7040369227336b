// Package server wires configuration into the running components: datastore,
// blob store, listing cache, media trigger and the HTTP API. cmd/server serves
// it; cardctl builds the same graph to run one-off operations.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/dharsanguruparan/cardvault/internal/api"
	"github.com/dharsanguruparan/cardvault/internal/blobstore"
	"github.com/dharsanguruparan/cardvault/internal/cardcodec"
	"github.com/dharsanguruparan/cardvault/internal/collection"
	"github.com/dharsanguruparan/cardvault/internal/config"
	"github.com/dharsanguruparan/cardvault/internal/database"
	"github.com/dharsanguruparan/cardvault/internal/ingest"
	"github.com/dharsanguruparan/cardvault/internal/intake"
	"github.com/dharsanguruparan/cardvault/internal/listcache"
	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/media"
	"github.com/dharsanguruparan/cardvault/internal/processing"
	"github.com/dharsanguruparan/cardvault/internal/queue"
	"github.com/dharsanguruparan/cardvault/internal/repository"
	"github.com/dharsanguruparan/cardvault/internal/router"
	"github.com/dharsanguruparan/cardvault/internal/signing"
	"github.com/dharsanguruparan/cardvault/internal/thumbnail"
	"github.com/dharsanguruparan/cardvault/internal/uploadsession"
	"github.com/dharsanguruparan/cardvault/internal/versioning"
)

const cacheNamespace = "cardvault:"

// App holds every constructed component. Fields are exported so cardctl can
// call services directly.
type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Repo     repository.Store
	Blobs    blobstore.Backend
	Cache    listcache.Cache
	Intake   *intake.Service
	Versions *versioning.Service
	Sessions *uploadsession.Manager
	Media    *media.Resolver
	Trigger  media.Trigger

	pool      *pgxpool.Pool
	redis     *redis.Client
	queue     *asynq.Client
	processor *processing.Processor
	once      sync.Once
}

// Options tweak Build.
type Options struct {
	// Migrate applies pending migrations before the repository is used.
	Migrate bool
}

// Build constructs the component graph. With no database URL the datastore
// is in memory; with no Redis address the listing cache is in memory and
// media resolution runs in an in-process pool.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.openRepository(ctx, opts); err != nil {
		return nil, err
	}
	blobs, err := blobstore.Open(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	a.Blobs = blobs
	if err := a.openCache(ctx); err != nil {
		a.Close()
		return nil, err
	}

	inv := listcache.NewInvalidator(a.Cache, log)
	thumbs := thumbnail.New(blobs, cfg.ThumbnailMaxDim)
	rt := router.New(cardcodec.Options{MaxEntryBytes: cfg.MaxFileSize}, log)
	pipeline := ingest.NewPipeline(blobs, thumbs, log)
	a.Versions = versioning.New(a.Repo, blobs, inv, log)
	expander := collection.New(a.Repo, blobs, pipeline, a.Versions, thumbs, inv, log)
	a.Intake = intake.New(rt, pipeline, a.Versions, expander, log)
	a.Sessions = uploadsession.New(uploadsession.Deps{
		Repo:        a.Repo,
		Blobs:       blobs,
		Router:      rt,
		Pipeline:    pipeline,
		Versions:    a.Versions,
		Collections: expander,
		Signer:      signing.NewSigner(cfg.SigningSecret),
		Cache:       inv,
		Log:         log,
	}, uploadsession.Limits{
		MaxSize:         cfg.MaxSessionSize,
		MinPartSize:     cfg.MinPartSize,
		TokenTTL:        cfg.PartTokenTTL,
		FinalizeTimeout: cfg.FinalizeTimeout,
	})
	a.Media = media.New(a.Repo, blobs, inv, media.Options{
		BaseURL:      cfg.PublicBaseURL,
		FetchTimeout: cfg.MediaFetchTimeout,
		MaxBytes:     cfg.MediaMaxBytes,
	}, log)

	if cfg.UseRedis() {
		a.queue = asynq.NewClient(RedisOpt(cfg))
		a.Trigger = queue.NewEnqueuer(a.queue, log)
	} else {
		a.processor = processing.New(a.Media, cfg.ProcessingPool, log)
		a.Trigger = a.processor
	}
	return a, nil
}

func (a *App) openRepository(ctx context.Context, opts Options) error {
	if a.Config.DatabaseURL == "" {
		a.Log.Warn("no database configured, using the in-memory datastore")
		a.Repo = repository.NewMemory()
		return nil
	}
	if opts.Migrate {
		if err := database.Migrate(a.Config.DatabaseURL, a.Log); err != nil {
			return err
		}
	}
	pool, err := database.Connect(ctx, a.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.pool = pool
	a.Repo = repository.NewPostgres(pool)
	return nil
}

func (a *App) openCache(ctx context.Context) error {
	if !a.Config.UseRedis() {
		a.Cache = listcache.NewMemory(listcache.Options{Size: a.Config.CacheSize, TTL: a.Config.CacheTTL})
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("connect redis: %w", err)
	}
	a.redis = client
	a.Cache = listcache.NewRedis(client, cacheNamespace, a.Config.CacheTTL)
	return nil
}

// RedisOpt is the asynq connection shared by the enqueuer and the worker.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// API returns the HTTP server over the app's services.
func (a *App) API() *api.Server {
	return api.New(api.Deps{
		Config:   a.Config,
		Repo:     a.Repo,
		Blobs:    a.Blobs,
		Cache:    a.Cache,
		Intake:   a.Intake,
		Versions: a.Versions,
		Sessions: a.Sessions,
		Media:    a.Media,
		Trigger:  a.Trigger,
		Log:      a.Log,
	})
}

// Serve starts the in-process media pool, if any, and blocks serving HTTP
// until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	a.once.Do(func() {
		if a.processor != nil {
			a.processor.Start(ctx)
		}
	})
	err := a.API().Run(ctx)
	if a.processor != nil && ctx.Err() != nil {
		a.processor.Wait()
	}
	return err
}

// Close releases connections. It is safe on a partially built App.
func (a *App) Close() {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := errors.Join(errs...); err != nil {
		a.Log.Warn("close connections", "error", err)
	}
}
