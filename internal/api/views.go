package api

import (
	"github.com/dharsanguruparan/cardvault/internal/blobstore"
	"github.com/dharsanguruparan/cardvault/internal/collection"
	"github.com/dharsanguruparan/cardvault/internal/model"
)

// cardDetail is the cached body of GET /cards/{id}. MediaPending is filled
// per request.
type cardDetail struct {
	Card         *model.Card    `json:"card"`
	Head         *model.Version `json:"head,omitempty"`
	ImageURL     string         `json:"imageUrl,omitempty"`
	ThumbnailURL string         `json:"thumbnailUrl,omitempty"`
	MediaPending bool           `json:"mediaPending"`
}

type cardPage struct {
	Items []*model.Card `json:"items"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

type collectionPage struct {
	Items []*model.Collection `json:"items"`
	Total int                 `json:"total"`
	Page  int                 `json:"page"`
	Limit int                 `json:"limit"`
}

type collectionDetail struct {
	Collection   *model.Collection `json:"collection"`
	ThumbnailURL string            `json:"thumbnailUrl,omitempty"`
	Cards        []*model.Card     `json:"cards"`
}

type itemFailure struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

// batchView reports a collection expansion. CreatedCount below Total is a
// partial success.
type batchView struct {
	CreatedCount int           `json:"createdCount"`
	Total        int           `json:"total"`
	Cards        []*model.Card `json:"cards"`
	Failed       []itemFailure `json:"failed"`
}

func newBatchView(b *collection.BatchResult) *batchView {
	if b == nil {
		return nil
	}
	out := &batchView{
		CreatedCount: b.Created(),
		Total:        b.Total(),
		Cards:        make([]*model.Card, 0, len(b.Succeeded)),
		Failed:       make([]itemFailure, 0, len(b.Failed)),
	}
	for _, it := range b.Succeeded {
		out.Cards = append(out.Cards, it.Card)
	}
	for _, it := range b.Failed {
		out.Failed = append(out.Failed, itemFailure{Index: it.Index, Name: it.Name, Error: it.Err.Error()})
	}
	return out
}

type uploadResponse struct {
	Kind         string            `json:"kind"`
	Card         *model.Card       `json:"card,omitempty"`
	Version      *model.Version    `json:"version,omitempty"`
	Collection   *model.Collection `json:"collection,omitempty"`
	Batch        *batchView        `json:"batch,omitempty"`
	MediaPending bool              `json:"mediaPending,omitempty"`
}

type sessionResponse struct {
	Session    *model.UploadSession `json:"session"`
	Card       *model.Card          `json:"card,omitempty"`
	Version    *model.Version       `json:"version,omitempty"`
	Collection *model.Collection    `json:"collection,omitempty"`
	Batch      *batchView           `json:"batch,omitempty"`
	Token      string               `json:"token,omitempty"`
	Received   int64                `json:"receivedBytes"`
}

func (s *Server) blobURL(key string) string {
	if key == "" {
		return ""
	}
	return blobstore.PublicURL(s.cfg.PublicBaseURL, key)
}
