package router

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/dharsanguruparan/cardvault/internal/cardcodec"
	"github.com/dharsanguruparan/cardvault/internal/cardcodec/cardtest"
	"github.com/dharsanguruparan/cardvault/internal/model"
)

func newRouter() *Router { return New(cardcodec.Options{}, nil) }

func TestRouteSingleFormats(t *testing.T) {
	card := cardtest.Card("Aria")
	cases := []struct {
		name string
		data []byte
		want model.Format
	}{
		{"png", cardtest.PNG(card, "chara"), model.FormatPNG},
		{"json", cardtest.JSON(card), model.FormatJSON},
		{"charx", cardtest.CharX(card, nil), model.FormatCharX},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := newRouter().Route(tc.data)
			if err != nil {
				t.Fatalf("route: %v", err)
			}
			if res.Kind != KindSingle || res.Single == nil {
				t.Fatalf("expected single, got %v", res.Kind)
			}
			if res.Single.Format != tc.want {
				t.Fatalf("format = %s want %s", res.Single.Format, tc.want)
			}
			if res.Single.Card.Data.Name != "Aria" {
				t.Fatalf("name = %q", res.Single.Card.Data.Name)
			}
		})
	}
}

func TestRoutePackage(t *testing.T) {
	meta := &cardcodec.PackageMeta{ID: "pkg-1", Name: "Duo"}
	data := cardtest.VoxPackage(meta, []cardtest.VoxCharacter{
		cardtest.VoxChar("a", "Alpha"),
		cardtest.VoxChar("b", "Beta"),
	})
	res, err := newRouter().Route(data)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Kind != KindCollection || len(res.Package.Items) != 2 {
		t.Fatalf("expected 2-item collection, got %v", res.Kind)
	}
}

func TestRouteSingleItemPackage(t *testing.T) {
	data := cardtest.VoxPackage(&cardcodec.PackageMeta{ID: "pkg-1"}, []cardtest.VoxCharacter{
		cardtest.VoxChar("a", "Alpha"),
	})
	res, err := newRouter().Route(data)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Kind != KindSingle || res.Single.Format != model.FormatVoxta {
		t.Fatalf("expected single voxta, got %v", res.Kind)
	}
	if res.Single.Package == nil {
		t.Fatal("package metadata dropped")
	}
	if res.Single.Assets.MainImage == nil {
		t.Fatal("expected thumbnail as main image")
	}
}

func TestRoutePackageWithoutManifestFallsBack(t *testing.T) {
	data := cardtest.VoxPackage(nil, []cardtest.VoxCharacter{
		cardtest.VoxChar("a", "Alpha"),
		cardtest.VoxChar("b", "Beta"),
	})
	if cardcodec.LooksLikePackage(data) {
		t.Fatal("fixture should not sniff as package")
	}
	res, err := newRouter().Route(data)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Kind != KindCollection {
		t.Fatalf("expected collection through fallback, got %v", res.Kind)
	}
}

func TestRouteAmbiguousArchivePrefersContainerOnFirstPass(t *testing.T) {
	ch, _ := json.Marshal(cardtest.VoxChar("a", "Alpha").Character)
	data := cardtest.Zip(map[string][]byte{
		"card.json":                   cardtest.JSON(cardtest.Card("Aria")),
		"Characters/a/character.json": ch,
	})
	res, err := newRouter().Route(data)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Kind != KindSingle || res.Single.Format != model.FormatCharX {
		t.Fatalf("expected charx, got %v", res.Kind)
	}
}

func TestRouteUnrecognized(t *testing.T) {
	broken := cardtest.VoxChar("a", "Alpha")
	broken.RawJSON = []byte("{not json")
	cases := map[string][]byte{
		"garbage":       []byte("definitely not a card"),
		"empty":         nil,
		"bad json":      []byte(`{"spec": 12`),
		"empty zip":     cardtest.Zip(map[string][]byte{"readme.txt": []byte("hi")}),
		"broken single": cardtest.VoxPackage(&cardcodec.PackageMeta{ID: "p"}, []cardtest.VoxCharacter{broken}),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newRouter().Route(data)
			if !errors.Is(err, ErrUnrecognizedFormat) {
				t.Fatalf("expected ErrUnrecognizedFormat, got %v", err)
			}
		})
	}
}

func TestPlanRetriesPackageOnlyForArchives(t *testing.T) {
	last := plan[len(plan)-1]
	if last.strategy != strategyPackage {
		t.Fatalf("last step = %s", last.strategy)
	}
	if last.applies(nil, errors.New("bad json")) {
		t.Fatal("retry must not run for non-archive failures")
	}
	if !last.applies(nil, cardcodec.ErrUnrecognizedArchive) {
		t.Fatal("retry must run for archive failures")
	}
}
