package intake

import (
	"context"
	"errors"
	"testing"

	"github.com/dharsanguruparan/cardvault/internal/blobstore"
	"github.com/dharsanguruparan/cardvault/internal/cardcodec"
	"github.com/dharsanguruparan/cardvault/internal/cardcodec/cardtest"
	"github.com/dharsanguruparan/cardvault/internal/collection"
	"github.com/dharsanguruparan/cardvault/internal/ingest"
	"github.com/dharsanguruparan/cardvault/internal/model"
	"github.com/dharsanguruparan/cardvault/internal/repository"
	"github.com/dharsanguruparan/cardvault/internal/router"
	"github.com/dharsanguruparan/cardvault/internal/thumbnail"
	"github.com/dharsanguruparan/cardvault/internal/versioning"
)

func newService() (*Service, *repository.Memory, *blobstore.Memory) {
	repo := repository.NewMemory()
	blobs := blobstore.NewMemory()
	thumbs := thumbnail.New(blobs, 8)
	pipeline := ingest.NewPipeline(blobs, thumbs, nil)
	versions := versioning.New(repo, blobs, nil, nil)
	expander := collection.New(repo, blobs, pipeline, versions, thumbs, nil, nil)
	return New(router.New(cardcodec.Options{}, nil), pipeline, versions, expander, nil), repo, blobs
}

var upload = ingest.Upload{UploaderID: "u1", Visibility: model.VisibilityPublic}

func TestIngestSingle(t *testing.T) {
	svc, repo, _ := newService()
	ctx := context.Background()
	for _, tc := range []struct {
		name   string
		data   []byte
		format model.Format
	}{
		{"png", cardtest.PNG(cardtest.Card("Aria"), "chara"), model.FormatPNG},
		{"json", cardtest.JSON(cardtest.Card("Bea")), model.FormatJSON},
		{"charx", cardtest.CharX(cardtest.Card("Cole"), nil), model.FormatCharX},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out, err := svc.Ingest(ctx, tc.data, upload)
			if err != nil {
				t.Fatalf("ingest: %v", err)
			}
			if out.Kind != router.KindSingle || out.Version.Format != tc.format {
				t.Fatalf("outcome = %+v", out)
			}
			card, err := repo.GetCard(ctx, out.Card.ID)
			if err != nil {
				t.Fatal(err)
			}
			if card.ProcessingStatus != model.StatusComplete || card.Head() != out.Version.ID {
				t.Fatalf("card = %+v", card)
			}
			versions, _ := repo.ListVersions(ctx, card.ID)
			if len(versions) != 1 || versions[0].ParentVersionID != nil {
				t.Fatalf("versions = %+v", versions)
			}
		})
	}
}

func TestIngestPackage(t *testing.T) {
	svc, repo, _ := newService()
	ctx := context.Background()
	raw := cardtest.VoxPackage(&cardcodec.PackageMeta{ID: "p1", Name: "Duo"},
		[]cardtest.VoxCharacter{cardtest.VoxChar("a", "Aria"), cardtest.VoxChar("b", "Bea")})

	out, err := svc.Ingest(ctx, raw, upload)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Kind != router.KindCollection || out.Collection.Collection.ItemsCount != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	cards, _ := repo.ListCollectionCards(ctx, out.Collection.Collection.ID)
	if len(cards) != 2 {
		t.Fatalf("cards = %d", len(cards))
	}
	for _, c := range cards {
		if c.CollectionID == nil || *c.CollectionID != out.Collection.Collection.ID {
			t.Fatalf("card %s not in collection", c.ID)
		}
	}
}

func TestIngestRejectsGarbage(t *testing.T) {
	svc, _, blobs := newService()
	if _, err := svc.Ingest(context.Background(), []byte("GIF89a nope"), upload); !errors.Is(err, router.ErrUnrecognizedFormat) {
		t.Fatalf("err = %v", err)
	}
	if len(blobs.Keys()) != 0 {
		t.Fatalf("blobs written: %v", blobs.Keys())
	}
}

func TestNewVersion(t *testing.T) {
	svc, repo, blobs := newService()
	ctx := context.Background()
	out, err := svc.Ingest(ctx, cardtest.JSON(cardtest.Card("Aria")), upload)
	if err != nil {
		t.Fatal(err)
	}
	edited := cardtest.Card("Aria")
	edited.Data.Scenario = "A rainy harbor."
	v, err := svc.NewVersion(ctx, out.Card.ID, cardtest.JSON(edited), nil)
	if err != nil {
		t.Fatalf("new version: %v", err)
	}
	if v.ParentVersionID == nil || *v.ParentVersionID != out.Version.ID {
		t.Fatalf("parent = %v", v.ParentVersionID)
	}
	card, _ := repo.GetCard(ctx, out.Card.ID)
	if card.Head() != v.ID {
		t.Fatalf("head = %s", card.Head())
	}

	pkg := cardtest.VoxPackage(nil, []cardtest.VoxCharacter{cardtest.VoxChar("a", "A"), cardtest.VoxChar("b", "B")})
	if _, err := svc.NewVersion(ctx, out.Card.ID, pkg, nil); !errors.Is(err, ErrPackageVersion) {
		t.Fatalf("err = %v", err)
	}

	before := len(blobs.Keys())
	if _, err := svc.NewVersion(ctx, "missing", cardtest.JSON(edited), nil); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if len(blobs.Keys()) != before {
		t.Fatal("blobs of a rejected version were kept")
	}
}
