// Package uploadsession manages large uploads: a placeholder card is created
// up front, the client streams parts into a multipart handle, and finalize
// runs the same ingest pipeline as a direct upload against the assembled
// blob.
package uploadsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/cardvault/internal/blobstore"
	"github.com/dharsanguruparan/cardvault/internal/collection"
	"github.com/dharsanguruparan/cardvault/internal/ingest"
	"github.com/dharsanguruparan/cardvault/internal/listcache"
	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/metrics"
	"github.com/dharsanguruparan/cardvault/internal/model"
	"github.com/dharsanguruparan/cardvault/internal/repository"
	"github.com/dharsanguruparan/cardvault/internal/router"
	"github.com/dharsanguruparan/cardvault/internal/signing"
	"github.com/dharsanguruparan/cardvault/internal/versioning"
)

var (
	// ErrFinalizeFailed matches every *FinalizeError.
	ErrFinalizeFailed = errors.New("upload finalize failed")
	// ErrSessionClosed rejects writes to a session that is no longer pending.
	ErrSessionClosed = errors.New("upload session is closed")
	// ErrFinalizeInProgress is returned while another finalize runs.
	ErrFinalizeInProgress = errors.New("upload is being finalized")
	ErrTooLarge           = errors.New("upload exceeds the size limit")
	ErrInvalidPart        = errors.New("part number must be between 1 and 10000")
	ErrNoParts            = errors.New("no parts uploaded")
	// ErrPartTooSmall rejects a part below the minimum that is not the last.
	ErrPartTooSmall = errors.New("upload part below the minimum size")
	// ErrFinalizeAbandoned fails a session left in processing past the
	// finalize timeout.
	ErrFinalizeAbandoned = errors.New("upload finalize was interrupted")
)

const maxPartNumber = 10000

// FinalizeError reports why a session was marked failed.
type FinalizeError struct {
	SessionID string
	Err       error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize upload %s: %v", e.SessionID, e.Err)
}

func (e *FinalizeError) Unwrap() []error { return []error{ErrFinalizeFailed, e.Err} }

// Limits bound what a session accepts.
type Limits struct {
	MaxSize int64
	// MinPartSize applies to every part except the highest numbered one.
	MinPartSize int64
	TokenTTL    time.Duration
	// FinalizeTimeout is how long a session may stay in processing before
	// Abort, Finalize and ListStale treat it as abandoned.
	FinalizeTimeout time.Duration
}

// Manager runs the session state machine.
type Manager struct {
	repo        repository.Store
	blobs       blobstore.Backend
	router      *router.Router
	pipeline    *ingest.Pipeline
	versions    *versioning.Service
	collections *collection.Expander
	signer      *signing.Signer
	cache       *listcache.Invalidator
	limits      Limits
	now         func() time.Time
	log         *logger.Logger
}

// Deps groups the collaborators of a Manager.
type Deps struct {
	Repo        repository.Store
	Blobs       blobstore.Backend
	Router      *router.Router
	Pipeline    *ingest.Pipeline
	Versions    *versioning.Service
	Collections *collection.Expander
	Signer      *signing.Signer
	Cache       *listcache.Invalidator
	Log         *logger.Logger
}

func New(d Deps, limits Limits) *Manager {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	if limits.TokenTTL <= 0 {
		limits.TokenTTL = 24 * time.Hour
	}
	if limits.FinalizeTimeout <= 0 {
		limits.FinalizeTimeout = 15 * time.Minute
	}
	return &Manager{
		repo:        d.Repo,
		blobs:       d.Blobs,
		router:      d.Router,
		pipeline:    d.Pipeline,
		versions:    d.Versions,
		collections: d.Collections,
		signer:      d.Signer,
		cache:       d.Cache,
		limits:      limits,
		now:         time.Now,
		log:         log.With("component", "uploadsession"),
	}
}

// BeginRequest is the client's announcement of an upload.
type BeginRequest struct {
	Filename string
	Size     int64
	Name     string
	Upload   ingest.Upload
}

// Begun is returned to the client so it can start sending parts.
type Begun struct {
	Session *model.UploadSession
	Card    *model.Card
	Token   string
}

// Begin creates the pending card and opens the multipart handle.
func (m *Manager) Begin(ctx context.Context, req BeginRequest) (*Begun, error) {
	if m.limits.MaxSize > 0 && req.Size > m.limits.MaxSize {
		return nil, ErrTooLarge
	}
	ext := extension(req.Filename)
	s := &model.UploadSession{
		ID:           uuid.NewString(),
		UploaderID:   req.Upload.UploaderID,
		ExpectedSize: req.Size,
		Extension:    ext,
		Filename:     path.Base(req.Filename),
		Visibility:   req.Upload.Visibility,
		Tags:         req.Upload.Tags,
	}
	s.StorageKey = blobstore.Key("uploads", s.ID, "original."+ext)

	name := req.Name
	if name == "" {
		name = strings.TrimSuffix(s.Filename, path.Ext(s.Filename))
	}
	if name == "" || name == "." {
		name = "Untitled"
	}
	card := &model.Card{
		ID:         uuid.NewString(),
		Name:       name,
		UploaderID: req.Upload.UploaderID,
		Visibility: req.Upload.Visibility,
	}
	card.Slug = model.RecordSlug(card.Name, card.ID)

	handle, err := m.blobs.CreateMultipartUpload(ctx, s.StorageKey, blobstore.ContentType(s.StorageKey))
	if err != nil {
		return nil, fmt.Errorf("open multipart upload: %w", err)
	}
	s.Handle = handle
	if err := m.repo.CreatePendingUpload(ctx, card, s); err != nil {
		m.abortHandle(ctx, s)
		return nil, fmt.Errorf("create pending upload: %w", err)
	}
	metrics.UploadSessions.WithLabelValues("started").Inc()
	m.log.Info("upload session started", "session_id", s.ID, "card_id", card.ID, "size", req.Size)
	return &Begun{Session: s, Card: card, Token: m.signer.Issue(s.ID, m.limits.TokenTTL)}, nil
}

// UploadPart streams one part into the session's handle. Re-sending a part
// number replaces it.
func (m *Manager) UploadPart(ctx context.Context, sessionID string, number int, token string, r io.Reader, size int64) (model.UploadPart, error) {
	if err := m.signer.Verify(sessionID, token); err != nil {
		return model.UploadPart{}, err
	}
	if number < 1 || number > maxPartNumber {
		return model.UploadPart{}, ErrInvalidPart
	}
	s, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return model.UploadPart{}, err
	}
	if s.Status != model.StatusPending {
		return model.UploadPart{}, ErrSessionClosed
	}
	remaining := int64(-1)
	if m.limits.MaxSize > 0 {
		remaining = m.limits.MaxSize - s.ReceivedBytes()
		for _, p := range s.Parts {
			if p.Number == number {
				remaining += p.Size
			}
		}
		if size > remaining {
			return model.UploadPart{}, ErrTooLarge
		}
		r = io.LimitReader(r, remaining+1)
	}

	part, err := m.blobs.UploadPart(ctx, s.StorageKey, s.Handle, number, r, size)
	if err != nil {
		return model.UploadPart{}, fmt.Errorf("upload part %d: %w", number, err)
	}
	if remaining >= 0 && part.Size > remaining {
		return model.UploadPart{}, ErrTooLarge
	}
	if err := m.repo.RecordPart(ctx, sessionID, part); err != nil {
		if errors.Is(err, repository.ErrInvalidState) {
			return model.UploadPart{}, ErrSessionClosed
		}
		return model.UploadPart{}, err
	}
	return part, nil
}

// Get returns the session including the parts received so far.
func (m *Manager) Get(ctx context.Context, sessionID string) (*model.UploadSession, error) {
	return m.repo.GetSession(ctx, sessionID)
}

// Outcome is the result of a finalized session. Collection is set when the
// upload was a multi-character package; Batch only on the call that expanded
// it.
type Outcome struct {
	Session    *model.UploadSession
	Card       *model.Card
	Version    *model.Version
	Collection *model.Collection
	Batch      *collection.BatchResult
}

// Finalize assembles the parts and publishes the result. Calling it again on
// a complete session returns the same outcome without doing any work.
//
// Once the session is claimed the work no longer follows ctx: a client that
// disconnects mid-finalize still gets a complete or failed session to find
// on retry.
func (m *Manager) Finalize(ctx context.Context, sessionID string) (*Outcome, error) {
	s, err := m.repo.ClaimSession(ctx, sessionID)
	if errors.Is(err, repository.ErrInvalidState) {
		switch s.Status {
		case model.StatusComplete:
			return m.completed(ctx, s)
		case model.StatusProcessing:
			if m.abandoned(s) {
				m.abortHandle(ctx, s)
				return nil, m.fail(ctx, s, ErrFinalizeAbandoned)
			}
			return nil, ErrFinalizeInProgress
		default:
			return nil, fmt.Errorf("%w: %s", ErrSessionClosed, s.Message)
		}
	}
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	log := m.log.With("session_id", s.ID, "card_id", s.CardID)

	if len(s.Parts) == 0 {
		m.abortHandle(ctx, s)
		return nil, m.fail(ctx, s, ErrNoParts)
	}
	if err := m.checkParts(s.Parts); err != nil {
		m.abortHandle(ctx, s)
		return nil, m.fail(ctx, s, err)
	}
	if err := m.blobs.CompleteMultipartUpload(ctx, s.StorageKey, s.Handle, s.Parts); err != nil {
		m.abortHandle(ctx, s)
		return nil, m.fail(ctx, s, fmt.Errorf("assemble upload: %w", err))
	}
	data, err := blobstore.ReadAll(ctx, m.blobs, s.StorageKey, m.limits.MaxSize)
	if err != nil {
		return nil, m.failAndDelete(ctx, s, err)
	}
	res, err := m.router.Route(data)
	if err != nil {
		return nil, m.failAndDelete(ctx, s, err)
	}
	up := ingest.Upload{UploaderID: s.UploaderID, Visibility: s.Visibility, Tags: s.Tags}

	if res.Kind == router.KindCollection {
		out, err := m.collections.Expand(ctx, collection.Request{Package: res.Package, Raw: data, RawKey: s.StorageKey, Upload: up})
		if err != nil {
			return nil, m.failAndDelete(ctx, s, err)
		}
		if err := m.repo.CompleteSessionAsCollection(ctx, s.ID, out.Collection.ID); err != nil {
			// The collection is published; the failure message keeps it findable.
			log.Error("record collection outcome", "collection_id", out.Collection.ID, "error", err)
			return nil, m.fail(ctx, s, fmt.Errorf("collection %s was created but not recorded: %w", out.Collection.ID, err))
		}
		m.cache.InvalidateCard(ctx, s.CardID)
		metrics.UploadSessions.WithLabelValues(metrics.OutcomeSuccess).Inc()
		log.Info("upload finalized as collection", "collection_id", out.Collection.ID,
			"created", out.Batch.Created(), "total", out.Batch.Total())
		done, err := m.repo.GetSession(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Session: done, Collection: out.Collection, Batch: &out.Batch}, nil
	}

	payload, tags := ingest.CardFromPayload(res.Single.Card, s.UploaderID, s.Visibility, s.Tags)
	payload.ID = s.CardID
	payload.Slug = model.RecordSlug(payload.Name, s.CardID)
	prep, err := m.pipeline.Prepare(ctx, ingest.Input{CardID: s.CardID, Single: res.Single, Raw: data, RawKey: s.StorageKey})
	if err != nil {
		return nil, m.failAndDelete(ctx, s, err)
	}
	if err := m.repo.CompleteSession(ctx, s.ID, payload, prep.Version); err != nil {
		m.pipeline.Discard(ctx, prep)
		return nil, m.failAndDelete(ctx, s, err)
	}
	m.versions.LinkTags(ctx, s.CardID, tags)
	m.cache.InvalidateCard(ctx, s.CardID)
	metrics.UploadSessions.WithLabelValues(metrics.OutcomeSuccess).Inc()
	metrics.Ingests.WithLabelValues(string(res.Single.Format), metrics.OutcomeSuccess).Inc()
	log.Info("upload finalized", "version_id", prep.Version.ID, "format", res.Single.Format)

	done, err := m.repo.GetSession(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	return m.completed(ctx, done)
}

func (m *Manager) checkParts(parts []model.UploadPart) error {
	if m.limits.MinPartSize <= 0 {
		return nil
	}
	last := 0
	for _, p := range parts {
		if p.Number > last {
			last = p.Number
		}
	}
	for _, p := range parts {
		if p.Number != last && p.Size < m.limits.MinPartSize {
			return fmt.Errorf("%w: part %d has %d bytes", ErrPartTooSmall, p.Number, p.Size)
		}
	}
	return nil
}

// completed rebuilds the outcome of a session that already finished.
func (m *Manager) completed(ctx context.Context, s *model.UploadSession) (*Outcome, error) {
	out := &Outcome{Session: s}
	if s.CollectionID != nil {
		col, err := m.repo.GetCollection(ctx, *s.CollectionID)
		if err != nil {
			return nil, err
		}
		out.Collection = col
		return out, nil
	}
	card, err := m.repo.GetCard(ctx, s.CardID)
	if err != nil {
		return nil, err
	}
	out.Card = card
	if s.VersionID != nil {
		if out.Version, err = m.repo.GetVersion(ctx, *s.VersionID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m *Manager) fail(ctx context.Context, s *model.UploadSession, cause error) error {
	if err := m.repo.FailSession(ctx, s.ID, cause.Error()); err != nil {
		m.log.Error("mark session failed", "session_id", s.ID, "error", err)
	}
	m.cache.InvalidateCard(ctx, s.CardID)
	metrics.UploadSessions.WithLabelValues(metrics.OutcomeFailure).Inc()
	m.log.Warn("upload finalize failed", "session_id", s.ID, "card_id", s.CardID, "error", cause)
	return &FinalizeError{SessionID: s.ID, Err: cause}
}

// failAndDelete also drops the assembled blob; the client starts over.
func (m *Manager) failAndDelete(ctx context.Context, s *model.UploadSession, cause error) error {
	if err := m.blobs.Delete(ctx, s.StorageKey); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		m.log.Warn("delete failed upload blob", "session_id", s.ID, "error", err)
	}
	return m.fail(ctx, s, cause)
}

// Abort releases the multipart handle and marks the session failed.
func (m *Manager) Abort(ctx context.Context, sessionID string) error {
	s, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch s.Status {
	case model.StatusFailed:
		return nil
	case model.StatusComplete:
		return ErrSessionClosed
	case model.StatusProcessing:
		if !m.abandoned(s) {
			return ErrFinalizeInProgress
		}
	}
	if err := m.repo.FailSession(ctx, s.ID, "aborted"); err != nil {
		return err
	}
	m.abortHandle(ctx, s)
	m.cache.InvalidateCard(ctx, s.CardID)
	metrics.UploadSessions.WithLabelValues("aborted").Inc()
	m.log.Info("upload session aborted", "session_id", s.ID)
	return nil
}

func (m *Manager) abortHandle(ctx context.Context, s *model.UploadSession) {
	err := m.blobs.AbortMultipartUpload(ctx, s.StorageKey, s.Handle)
	if err != nil && !errors.Is(err, blobstore.ErrUnknownUpload) {
		m.log.Warn("abort multipart upload", "session_id", s.ID, "error", err)
	}
}

// abandoned reports whether a processing session outlived the finalize
// timeout.
func (m *Manager) abandoned(s *model.UploadSession) bool {
	return s.Status == model.StatusProcessing && s.UpdatedAt.Before(m.now().Add(-m.limits.FinalizeTimeout))
}

// ListStale returns sessions still pending after olderThan without activity,
// plus processing sessions that outlived both olderThan and the finalize
// timeout. Abort clears either kind.
func (m *Manager) ListStale(ctx context.Context, olderThan time.Duration) ([]*model.UploadSession, error) {
	processing := olderThan
	if processing < m.limits.FinalizeTimeout {
		processing = m.limits.FinalizeTimeout
	}
	now := m.now()
	return m.repo.ListStaleSessions(ctx, now.Add(-olderThan), now.Add(-processing))
}

func extension(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" || len(ext) > 8 {
		return "bin"
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "bin"
		}
	}
	return ext
}
