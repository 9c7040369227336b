package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/cardvault/internal/listcache"
	"github.com/dharsanguruparan/cardvault/internal/model"
	"github.com/dharsanguruparan/cardvault/internal/repository"
)

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	q := repository.CollectionQuery{
		Page:    intQuery(r, "page"),
		Limit:   intQuery(r, "limit"),
		Creator: r.URL.Query().Get("creator"),
	}.Normalize()
	page, err := listcache.Load(r.Context(), s.cache, listcache.CollectionListKey(q), func(ctx context.Context) (collectionPage, error) {
		cols, total, err := s.repo.ListCollections(ctx, q)
		if err != nil {
			return collectionPage{}, err
		}
		return collectionPage{Items: cols, Total: total, Page: q.Page, Limit: q.Limit}, nil
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// handleGetCollection returns a collection with the member cards the caller
// may see.
func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userID(r)
	col, err := s.repo.GetCollection(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if col.Visibility == model.VisibilityPrivate && col.UploaderID != user {
		s.fail(w, r, repository.ErrNotFound)
		return
	}
	cards, err := s.repo.ListCollectionCards(ctx, col.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	members := make([]*model.Card, 0, len(cards))
	for _, c := range cards {
		if visible(c, user) {
			members = append(members, c)
		}
	}
	respondJSON(w, http.StatusOK, collectionDetail{
		Collection:   col,
		ThumbnailURL: s.blobURL(col.ThumbnailPath),
		Cards:        members,
	})
}
