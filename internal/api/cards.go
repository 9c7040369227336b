package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/cardvault/internal/blobstore"
	"github.com/dharsanguruparan/cardvault/internal/ingest"
	"github.com/dharsanguruparan/cardvault/internal/listcache"
	"github.com/dharsanguruparan/cardvault/internal/media"
	"github.com/dharsanguruparan/cardvault/internal/model"
	"github.com/dharsanguruparan/cardvault/internal/repository"
	"github.com/dharsanguruparan/cardvault/internal/router"
)

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	q := repository.CardQuery{
		Page:         intQuery(r, "page"),
		Limit:        intQuery(r, "limit"),
		Sort:         r.URL.Query().Get("sort"),
		CollectionID: r.URL.Query().Get("collection"),
		Tag:          r.URL.Query().Get("tag"),
		Creator:      r.URL.Query().Get("creator"),
	}.Normalize()
	page, err := listcache.Load(r.Context(), s.cache, listcache.CardListKey(q), func(ctx context.Context) (cardPage, error) {
		cards, total, err := s.repo.ListCards(ctx, q)
		if err != nil {
			return cardPage{}, err
		}
		return cardPage{Items: cards, Total: total, Page: q.Page, Limit: q.Limit}, nil
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// handleUpload ingests a directly uploaded file. Packages become a
// collection; everything else a single card.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}
	form, err := readUploadForm(w, r, s.cfg.MaxFileSize)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	up := ingest.Upload{
		UploaderID: user,
		Visibility: model.ParseVisibility(form.value("visibility")),
		Tags:       form.tags(),
	}
	out, err := s.intake.Ingest(r.Context(), form.data, up)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if out.Kind == router.KindCollection {
		respondJSON(w, http.StatusCreated, uploadResponse{
			Kind:       out.Kind.String(),
			Collection: out.Collection.Collection,
			Batch:      newBatchView(&out.Collection.Batch),
		})
		return
	}
	respondJSON(w, http.StatusCreated, uploadResponse{
		Kind:         out.Kind.String(),
		Card:         out.Card,
		Version:      out.Version,
		MediaPending: s.scheduleMedia(r.Context(), out.Card),
	})
}

// visible hides private cards from everyone but their uploader.
func visible(c *model.Card, user string) bool {
	return c.Visibility != model.VisibilityPrivate || (user != "" && c.UploaderID == user)
}

func (s *Server) loadCardDetail(ctx context.Context, id string) (*cardDetail, error) {
	return listcache.Load(ctx, s.cache, listcache.CardDetailKey(id), func(ctx context.Context) (*cardDetail, error) {
		card, err := s.repo.GetCard(ctx, id)
		if err != nil {
			return nil, err
		}
		d := &cardDetail{Card: card}
		if card.HeadVersionID == nil {
			return d, nil
		}
		head, err := s.repo.GetVersion(ctx, *card.HeadVersionID)
		if err != nil {
			return nil, fmt.Errorf("load head of %s: %w", id, err)
		}
		d.Head = head
		d.ImageURL = s.blobURL(head.ImagePath)
		d.ThumbnailURL = s.blobURL(head.ThumbnailPath)
		return d, nil
	})
}

// handleGetCard serves a card. With ?waitMedia=<duration> it waits up to
// that long (capped by config) for pending media to be rehosted, and serves
// the card as is when the wait runs out.
func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	detail, err := s.loadCardDetail(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !visible(detail.Card, userID(r)) {
		s.fail(w, r, repository.ErrNotFound)
		return
	}
	pending := s.scheduleMedia(ctx, detail.Card)
	if wait := s.mediaWait(r); pending && wait > 0 {
		_, err := s.media.WaitResolved(ctx, id, wait, 0)
		switch {
		case err == nil:
			if fresh, err := s.loadCardDetail(ctx, id); err == nil {
				detail = fresh
			}
			pending = false
		case errors.Is(err, media.ErrResolutionTimeout):
		default:
			s.log.Warn("wait for media", "card_id", id, "error", err)
		}
	}
	detail.MediaPending = pending
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) mediaWait(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("waitMedia")
	if raw == "" || s.media == nil {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0
	}
	if limit := s.cfg.MediaWaitLimit; limit > 0 && d > limit {
		d = limit
	}
	return d
}

// scheduleMedia hands the card to the media trigger when it still
// references remote images. A trigger failure is logged and the card is
// still reported as pending.
func (s *Server) scheduleMedia(ctx context.Context, card *model.Card) bool {
	if s.media == nil || card == nil {
		return false
	}
	pending, err := s.media.Pending(ctx, card)
	if err != nil {
		s.log.Warn("check pending media", "card_id", card.ID, "error", err)
		return false
	}
	if !pending {
		return false
	}
	if s.trigger != nil {
		if err := s.trigger.Trigger(ctx, card.ID); err != nil {
			s.log.Warn("schedule media resolution", "card_id", card.ID, "error", err)
		}
	}
	return true
}

// ownedCard loads the card behind {id} and checks the caller uploaded it.
func (s *Server) ownedCard(w http.ResponseWriter, r *http.Request) (*model.Card, bool) {
	user := requireUser(w, r)
	if user == "" {
		return nil, false
	}
	card, err := s.repo.GetCard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	if card.UploaderID != user {
		if !visible(card, user) {
			s.fail(w, r, repository.ErrNotFound)
		} else {
			s.fail(w, r, errForbidden)
		}
		return nil, false
	}
	return card, true
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	card, ok := s.ownedCard(w, r)
	if !ok {
		return
	}
	if err := s.versions.DeleteCard(r.Context(), card.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	card, err := s.repo.GetCard(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !visible(card, userID(r)) {
		s.fail(w, r, repository.ErrNotFound)
		return
	}
	versions, err := s.versions.Versions(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": versions})
}

// handleNewVersion appends an uploaded file to an existing card. The form
// field forkedFrom records a version of another card it derives from.
func (s *Server) handleNewVersion(w http.ResponseWriter, r *http.Request) {
	card, ok := s.ownedCard(w, r)
	if !ok {
		return
	}
	form, err := readUploadForm(w, r, s.cfg.MaxFileSize)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var forkedFrom *string
	if f := form.value("forkedFrom"); f != "" {
		if _, err := s.repo.GetVersion(r.Context(), f); err != nil {
			s.fail(w, r, badRequest(fmt.Errorf("forkedFrom %s: %w", f, err)))
			return
		}
		forkedFrom = &f
	}
	v, err := s.intake.NewVersion(r.Context(), card.ID, form.data, forkedFrom)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	card.HeadVersionID = &v.ID
	respondJSON(w, http.StatusCreated, uploadResponse{
		Kind:         router.KindSingle.String(),
		Card:         card,
		Version:      v,
		MediaPending: s.scheduleMedia(r.Context(), card),
	})
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}
	id := chi.URLParam(r, "id")
	src, err := s.repo.GetCard(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !visible(src, user) {
		s.fail(w, r, repository.ErrNotFound)
		return
	}
	card, err := s.versions.ForkCard(r.Context(), id, user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, card)
}

// handleDownload streams the head artifact in its original container and
// counts the download.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	card, err := s.repo.GetCard(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !visible(card, userID(r)) {
		s.fail(w, r, repository.ErrNotFound)
		return
	}
	if card.ProcessingStatus != model.StatusComplete || card.HeadVersionID == nil {
		s.fail(w, r, &apiError{Status: http.StatusConflict, Code: "not_ready", Err: errors.New("card is still processing")})
		return
	}
	head, err := s.repo.GetVersion(ctx, *card.HeadVersionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rc, err := s.blobs.Get(ctx, head.StoragePath)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rc.Close()
	if err := s.repo.IncrementDownloads(ctx, card.ID); err != nil {
		s.log.Warn("count download", "card_id", card.ID, "error", err)
	}
	filename := card.Slug + "." + head.Format.Extension()
	w.Header().Set("Content-Type", blobstore.ContentType(head.StoragePath))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Debug("download interrupted", "card_id", card.ID, "error", err)
	}
}

// handleBlob serves stored blobs under their public URL.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	key, err := blobstore.CleanKey(chi.URLParam(r, "*"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rc, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", blobstore.ContentType(key))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}
