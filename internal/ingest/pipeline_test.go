package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/dharsanguruparan/cardvault/internal/blobstore"
	"github.com/dharsanguruparan/cardvault/internal/cardcodec"
	"github.com/dharsanguruparan/cardvault/internal/cardcodec/cardtest"
	"github.com/dharsanguruparan/cardvault/internal/contenthash"
	"github.com/dharsanguruparan/cardvault/internal/model"
	"github.com/dharsanguruparan/cardvault/internal/router"
	"github.com/dharsanguruparan/cardvault/internal/thumbnail"
)

func route(t *testing.T, data []byte) *router.Single {
	t.Helper()
	res, err := router.New(cardcodec.Options{}, nil).Route(data)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Single == nil {
		t.Fatalf("expected single, got %s", res.Kind)
	}
	return res.Single
}

func TestPreparePNG(t *testing.T) {
	blobs := blobstore.NewMemory()
	p := NewPipeline(blobs, thumbnail.New(blobs, 8), nil)
	raw := cardtest.PNG(cardtest.Card("Aria"), "chara")

	prep, err := p.Prepare(context.Background(), Input{CardID: "c1", Single: route(t, raw), Raw: raw})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	v := prep.Version
	if v.StoragePath != "cards/c1/"+v.ID+"/original.png" || v.ImagePath != v.StoragePath {
		t.Fatalf("paths: %s %s", v.StoragePath, v.ImagePath)
	}
	if v.ThumbnailPath != thumbnail.Key("c1", v.ID) {
		t.Fatalf("thumbnail = %s", v.ThumbnailPath)
	}
	if v.ContentHash != contenthash.Sum(raw) || v.Format != model.FormatPNG {
		t.Fatalf("version = %+v", v)
	}
	var card cardcodec.Card
	if err := json.Unmarshal(v.CardData, &card); err != nil || card.Data.Name != "Aria" {
		t.Fatalf("card data: %v %s", err, v.CardData)
	}
	if v.Tokens.Total == 0 || v.Stats.GreetingsCount != 2 {
		t.Fatalf("measure: %+v %+v", v.Tokens, v.Stats)
	}
	if got := len(blobs.Keys()); got != 2 {
		t.Fatalf("blobs = %v", blobs.Keys())
	}
}

func TestPrepareCharXReusesIconAsImage(t *testing.T) {
	blobs := blobstore.NewMemory()
	p := NewPipeline(blobs, thumbnail.New(blobs, 8), nil)
	raw := cardtest.CharX(cardtest.Card("Aria"), map[string][]byte{
		"assets/icon/main.png":       cardtest.Image(4, 4),
		"assets/background/room.png": cardtest.Image(2, 2),
	})
	prep, err := p.Prepare(context.Background(), Input{CardID: "c1", Single: route(t, raw), Raw: raw})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	v := prep.Version
	if len(v.Assets) != 2 || v.Stats.EmbeddedAssets != 2 {
		t.Fatalf("assets = %+v", v.Assets)
	}
	want := "cards/c1/" + v.ID + "/assets/icon/main.png"
	if v.ImagePath != want {
		t.Fatalf("image = %s want %s", v.ImagePath, want)
	}
	if !strings.HasSuffix(v.StoragePath, "original.charx") {
		t.Fatalf("storage = %s", v.StoragePath)
	}
}

func TestPrepareKeepsStoredArtifact(t *testing.T) {
	blobs := blobstore.NewMemory()
	p := NewPipeline(blobs, nil, nil)
	raw := cardtest.JSON(cardtest.Card("Aria"))
	prep, err := p.Prepare(context.Background(), Input{CardID: "c1", Single: route(t, raw), Raw: raw, RawKey: "uploads/s1/aria.json"})
	if err != nil {
		t.Fatal(err)
	}
	if prep.Version.StoragePath != "uploads/s1/aria.json" {
		t.Fatalf("storage = %s", prep.Version.StoragePath)
	}
	if len(blobs.Keys()) != 0 {
		t.Fatalf("unexpected writes: %v", blobs.Keys())
	}
}

type brokenThumbs struct{}

func (brokenThumbs) Generate(context.Context, []byte, string, string) (string, error) {
	return "", errors.New("decode failed")
}

func TestThumbnailFailureFallsBackToImage(t *testing.T) {
	p := NewPipeline(blobstore.NewMemory(), brokenThumbs{}, nil)
	raw := cardtest.PNG(cardtest.Card("Aria"), "chara")
	prep, err := p.Prepare(context.Background(), Input{CardID: "c1", Single: route(t, raw), Raw: raw})
	if err != nil {
		t.Fatalf("thumbnail failure must not fail prepare: %v", err)
	}
	if prep.Version.ThumbnailPath != prep.Version.ImagePath {
		t.Fatalf("thumbnail = %s", prep.Version.ThumbnailPath)
	}
}

// flaky fails every Put after the first n.
type flaky struct {
	*blobstore.Memory
	n int
}

func (f *flaky) Put(ctx context.Context, key string, r io.Reader, size int64, ct string) error {
	if f.n == 0 {
		return errors.New("disk full")
	}
	f.n--
	return f.Memory.Put(ctx, key, r, size, ct)
}

func TestPrepareCleansUpOnFailure(t *testing.T) {
	store := &flaky{Memory: blobstore.NewMemory(), n: 2}
	p := NewPipeline(store, nil, nil)
	raw := cardtest.CharX(cardtest.Card("Aria"), map[string][]byte{
		"assets/icon/a.png": cardtest.Image(2, 2),
		"assets/icon/b.png": cardtest.Image(2, 2),
		"assets/icon/c.png": cardtest.Image(2, 2),
	})
	if _, err := p.Prepare(context.Background(), Input{CardID: "c1", Single: route(t, raw), Raw: raw}); err == nil {
		t.Fatal("expected error")
	}
	if keys := store.Keys(); len(keys) != 0 {
		t.Fatalf("left behind: %v", keys)
	}
}

func TestCardFromPayload(t *testing.T) {
	c := cardtest.Card("Aria")
	card, tags := CardFromPayload(c, "u1", model.VisibilityUnlisted, []string{"Extra"})
	if card.Name != "Aria" || card.UploaderID != "u1" || card.Visibility != model.VisibilityUnlisted {
		t.Fatalf("card = %+v", card)
	}
	if !strings.HasPrefix(card.Slug, "aria-") {
		t.Fatalf("slug = %s", card.Slug)
	}
	if len(tags) != 3 || tags[2] != "Extra" {
		t.Fatalf("tags = %v", tags)
	}
	c.Data.Name = ""
	if card, _ := CardFromPayload(c, "u1", model.VisibilityPublic, nil); card.Name != "Untitled" {
		t.Fatalf("name = %s", card.Name)
	}
}
