// Package ingest is the parse-to-version pipeline shared by direct uploads,
// session finalize and collection expansion. It stores the blobs a version
// references and builds the version row; persisting it is up to the caller.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/cardvault/internal/assets"
	"github.com/dharsanguruparan/cardvault/internal/blobstore"
	"github.com/dharsanguruparan/cardvault/internal/cardcodec"
	"github.com/dharsanguruparan/cardvault/internal/contenthash"
	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/model"
	"github.com/dharsanguruparan/cardvault/internal/router"
	"github.com/dharsanguruparan/cardvault/internal/versioning"
)

// Thumbnailer renders and stores a preview, returning its key.
type Thumbnailer interface {
	Generate(ctx context.Context, data []byte, ownerID, slot string) (string, error)
}

// Pipeline prepares versions.
type Pipeline struct {
	blobs  blobstore.Store
	thumbs Thumbnailer
	log    *logger.Logger
}

func NewPipeline(blobs blobstore.Store, thumbs Thumbnailer, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Nop()
	}
	return &Pipeline{blobs: blobs, thumbs: thumbs, log: log.With("component", "ingest")}
}

// Input describes one character to turn into a version.
type Input struct {
	CardID string
	Single *router.Single
	// Raw is the artifact the character was read from.
	Raw []byte
	// RawKey is set when Raw is already stored (session uploads). Otherwise
	// the artifact is written under the version's prefix.
	RawKey string
	// RawExt overrides the artifact extension derived from the format.
	RawExt string
}

// Prepared is a version whose blobs are written but whose row is not.
type Prepared struct {
	Version *model.Version
	written []string
}

// Prepare stores the artifact, assets, main image and thumbnail for in and
// returns the version to persist. On error nothing it wrote is left behind.
func (p *Pipeline) Prepare(ctx context.Context, in Input) (*Prepared, error) {
	s := in.Single
	if s == nil || s.Card == nil {
		return nil, fmt.Errorf("prepare: no card")
	}
	v := &model.Version{
		ID:          uuid.NewString(),
		CardID:      in.CardID,
		Format:      s.Format,
		SpecVersion: s.SpecVersion,
		ContentHash: contenthash.Sum(in.Raw),
	}
	prep := &Prepared{Version: v}
	fail := func(err error) (*Prepared, error) {
		p.Discard(ctx, prep)
		return nil, err
	}

	v.StoragePath = in.RawKey
	if v.StoragePath == "" {
		ext := in.RawExt
		if ext == "" {
			ext = s.Format.Extension()
		}
		key := p.versionKey(v, "original."+ext)
		if err := p.put(ctx, prep, key, in.Raw); err != nil {
			return fail(err)
		}
		v.StoragePath = key
	}

	stored, err := p.storeAssets(ctx, prep, s.Assets.Assets)
	if err != nil {
		return fail(err)
	}

	main := s.Assets.MainImage
	switch {
	case s.Format == model.FormatPNG:
		v.ImagePath = v.StoragePath
	case main != nil && stored[main.SourcePath] != "":
		v.ImagePath = stored[main.SourcePath]
	case main != nil:
		key := p.versionKey(v, "image."+main.Extension)
		if err := p.put(ctx, prep, key, main.Data); err != nil {
			return fail(err)
		}
		v.ImagePath = key
	}
	if main != nil {
		v.ThumbnailPath = p.thumbnail(ctx, prep, v, main.Data)
	}

	data, err := json.Marshal(s.Card)
	if err != nil {
		return fail(fmt.Errorf("encode card data: %w", err))
	}
	v.CardData = data
	v.Tokens, v.Stats = versioning.Measure(s.Card, len(s.Assets.Assets))
	return prep, nil
}

// Discard deletes the blobs Prepare wrote. Failures are logged.
func (p *Pipeline) Discard(ctx context.Context, prep *Prepared) {
	if prep == nil {
		return
	}
	for _, key := range prep.written {
		if err := p.blobs.Delete(ctx, key); err != nil {
			p.log.Warn("discard blob failed", "path", key, "error", err)
		}
	}
	prep.written = nil
}

func (p *Pipeline) versionKey(v *model.Version, name ...string) string {
	return blobstore.Key(append([]string{"cards", v.CardID, v.ID}, name...)...)
}

func (p *Pipeline) put(ctx context.Context, prep *Prepared, key string, data []byte) error {
	if err := blobstore.PutBytes(ctx, p.blobs, key, data); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	prep.written = append(prep.written, key)
	return nil
}

// storeAssets writes every asset and records it on the version. The returned
// map goes from source path to blob key.
func (p *Pipeline) storeAssets(ctx context.Context, prep *Prepared, list []assets.Asset) (map[string]string, error) {
	v := prep.Version
	stored := make(map[string]string, len(list))
	used := make(map[string]int, len(list))
	for _, a := range list {
		file := a.Name + "." + a.Extension
		if n := used[a.Kind+"/"+file]; n > 0 {
			file = a.Name + "-" + strconv.Itoa(n) + "." + a.Extension
		}
		used[a.Kind+"/"+a.Name+"."+a.Extension]++
		key := p.versionKey(v, "assets", a.Kind, file)
		if err := p.put(ctx, prep, key, a.Data); err != nil {
			return nil, err
		}
		if a.SourcePath != "" {
			stored[a.SourcePath] = key
		}
		v.Assets = append(v.Assets, model.AssetRef{
			Name:       a.Name,
			Kind:       a.Kind,
			Extension:  a.Extension,
			Path:       key,
			SourcePath: a.SourcePath,
			Size:       int64(len(a.Data)),
		})
	}
	return stored, nil
}

// thumbnail falls back to the main image when rendering fails.
func (p *Pipeline) thumbnail(ctx context.Context, prep *Prepared, v *model.Version, data []byte) string {
	if p.thumbs == nil {
		return v.ImagePath
	}
	key, err := p.thumbs.Generate(ctx, data, v.CardID, v.ID)
	if err != nil {
		p.log.Warn("thumbnail failed", "card_id", v.CardID, "version_id", v.ID, "error", err)
		return v.ImagePath
	}
	prep.written = append(prep.written, key)
	return key
}

// CardFromPayload builds the card row for a parsed character. Payload tags
// are merged with extra.
func CardFromPayload(c *cardcodec.Card, uploaderID string, visibility model.Visibility, extra []string) (*model.Card, []string) {
	card := &model.Card{
		ID:           uuid.NewString(),
		Name:         c.Data.Name,
		Description:  c.Data.Description,
		Creator:      c.Data.Creator,
		CreatorNotes: c.Data.CreatorNotes,
		UploaderID:   uploaderID,
		Visibility:   visibility,
	}
	if card.Name == "" {
		card.Name = "Untitled"
	}
	card.Slug = model.RecordSlug(card.Name, card.ID)
	tags := make([]string, 0, len(c.Data.Tags)+len(extra))
	tags = append(tags, c.Data.Tags...)
	tags = append(tags, extra...)
	return card, tags
}

// Upload carries the uploader-supplied settings every transport accepts.
type Upload struct {
	UploaderID string
	Visibility model.Visibility
	Tags       []string
}
