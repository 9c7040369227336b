package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/cardvault/internal/model"
)

// storeTests runs the same behaviour checks against every Store backend.
func storeTests(t *testing.T, open func(t *testing.T) Store) {
	t.Run("CreateCardWithVersion", func(t *testing.T) { testCreateCard(t, open(t)) })
	t.Run("AppendVersion", func(t *testing.T) { testAppendVersion(t, open(t)) })
	t.Run("AppendVersionIfHead", func(t *testing.T) { testAppendIfHead(t, open(t)) })
	t.Run("Fork", func(t *testing.T) { testFork(t, open(t)) })
	t.Run("Tags", func(t *testing.T) { testTags(t, open(t)) })
	t.Run("ListCards", func(t *testing.T) { testListCards(t, open(t)) })
	t.Run("DeleteCard", func(t *testing.T) { testDeleteCard(t, open(t)) })
	t.Run("Collections", func(t *testing.T) { testCollections(t, open(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, open(t)) })
	t.Run("SessionAsCollection", func(t *testing.T) { testSessionAsCollection(t, open(t)) })
}

func newCard(name string) *model.Card {
	id := uuid.NewString()
	return &model.Card{
		ID:         id,
		Slug:       model.RecordSlug(name, id),
		Name:       name,
		Creator:    "tester",
		UploaderID: "user-1",
		Visibility: model.VisibilityPublic,
	}
}

func newVersion() *model.Version {
	return &model.Version{
		ID:          uuid.NewString(),
		StoragePath: "cards/x/" + uuid.NewString() + ".json",
		ContentHash: "abc",
		Format:      model.FormatJSON,
		SpecVersion: "chara_card_v2",
		Assets:      []model.AssetRef{{Name: "main", Kind: "icon", Extension: "png", Path: "assets/main.png", Size: 3}},
		CardData:    []byte(`{"name":"x"}`),
	}
}

func mustCreate(t *testing.T, s Store, name string) (*model.Card, *model.Version) {
	t.Helper()
	c, v := newCard(name), newVersion()
	if err := s.CreateCardWithVersion(context.Background(), c, v); err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return c, v
}

func testCreateCard(t *testing.T, s Store) {
	ctx := context.Background()
	c, v := mustCreate(t, s, "Aria")
	got, err := s.GetCard(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Head() != v.ID {
		t.Fatalf("head = %q want %q", got.Head(), v.ID)
	}
	if got.ProcessingStatus != model.StatusComplete {
		t.Fatalf("status = %s", got.ProcessingStatus)
	}
	gv, err := s.GetVersion(ctx, v.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if gv.ParentVersionID != nil || gv.CardID != c.ID {
		t.Fatalf("unexpected version links: %+v", gv)
	}
	if len(gv.Assets) != 1 || gv.Assets[0].Path != "assets/main.png" {
		t.Fatalf("assets not persisted: %+v", gv.Assets)
	}
	if bySlug, err := s.GetCardBySlug(ctx, c.Slug); err != nil || bySlug.ID != c.ID {
		t.Fatalf("by slug: %v", err)
	}
	if _, err := s.GetCard(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testAppendVersion(t *testing.T, s Store) {
	ctx := context.Background()
	c, v1 := mustCreate(t, s, "Aria")
	v2 := newVersion()
	v2.CardID = c.ID
	if err := s.AppendVersion(ctx, v2); err != nil {
		t.Fatalf("append: %v", err)
	}
	v3 := newVersion()
	v3.CardID = c.ID
	if err := s.AppendVersion(ctx, v3); err != nil {
		t.Fatalf("append: %v", err)
	}
	if v2.ParentVersionID == nil || *v2.ParentVersionID != v1.ID {
		t.Fatalf("v2 parent = %v", v2.ParentVersionID)
	}
	if v3.ParentVersionID == nil || *v3.ParentVersionID != v2.ID {
		t.Fatalf("v3 parent = %v", v3.ParentVersionID)
	}
	got, _ := s.GetCard(ctx, c.ID)
	if got.Head() != v3.ID {
		t.Fatalf("head = %q want %q", got.Head(), v3.ID)
	}
	list, err := s.ListVersions(ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != v3.ID || list[2].ID != v1.ID {
		t.Fatalf("versions not newest first: %d", len(list))
	}
	orphan := newVersion()
	orphan.CardID = "missing"
	if err := s.AppendVersion(ctx, orphan); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testAppendIfHead(t *testing.T, s Store) {
	ctx := context.Background()
	c, v1 := mustCreate(t, s, "Aria")
	v2 := newVersion()
	v2.CardID = c.ID
	if err := s.AppendVersionIfHead(ctx, v2, v1.ID); err != nil {
		t.Fatalf("append: %v", err)
	}
	stale := newVersion()
	stale.CardID = c.ID
	if err := s.AppendVersionIfHead(ctx, stale, v1.ID); !errors.Is(err, ErrHeadMoved) {
		t.Fatalf("expected ErrHeadMoved, got %v", err)
	}
	if _, err := s.GetVersion(ctx, stale.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale version must not be written: %v", err)
	}
}

func testFork(t *testing.T, s Store) {
	ctx := context.Background()
	src, srcV := mustCreate(t, s, "Source")
	fork, fv := newCard("Fork"), newVersion()
	fv.ForkedFromID = &srcV.ID
	if err := s.CreateCardWithVersion(ctx, fork, fv); err != nil {
		t.Fatalf("create fork: %v", err)
	}
	got, _ := s.GetCard(ctx, src.ID)
	if got.Counters.Forks != 1 {
		t.Fatalf("forks = %d", got.Counters.Forks)
	}
	gv, _ := s.GetVersion(ctx, fv.ID)
	if gv.ForkedFromID == nil || *gv.ForkedFromID != srcV.ID || gv.ParentVersionID != nil {
		t.Fatalf("fork links wrong: %+v", gv)
	}
}

func testTags(t *testing.T, s Store) {
	ctx := context.Background()
	c, _ := mustCreate(t, s, "Aria")
	if err := s.LinkTags(ctx, c.ID, []string{"Fantasy", "Sci Fi"}); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := s.LinkTags(ctx, c.ID, []string{"fantasy"}); err != nil {
		t.Fatalf("relink: %v", err)
	}
	got, _ := s.GetCard(ctx, c.ID)
	if len(got.Tags) != 2 || got.Tags[0] != "Fantasy" || got.Tags[1] != "Sci Fi" {
		t.Fatalf("tags = %v", got.Tags)
	}
	list, total, err := s.ListCards(ctx, CardQuery{Tag: "sci-fi"})
	if err != nil || total != 1 || list[0].ID != c.ID {
		t.Fatalf("tag filter: total=%d err=%v", total, err)
	}
	if err := s.LinkTags(ctx, "missing", []string{"x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testListCards(t *testing.T, s Store) {
	ctx := context.Background()
	a, _ := mustCreate(t, s, "A")
	b, _ := mustCreate(t, s, "B")
	private := newCard("P")
	private.Visibility = model.VisibilityPrivate
	if err := s.CreateCardWithVersion(ctx, private, newVersion()); err != nil {
		t.Fatalf("create private: %v", err)
	}
	pending := newCard("Pending")
	if err := s.CreatePendingUpload(ctx, pending, &model.UploadSession{ID: uuid.NewString(), Handle: "h", StorageKey: "k"}); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if err := s.IncrementDownloads(ctx, a.ID); err != nil {
		t.Fatalf("downloads: %v", err)
	}

	list, total, err := s.ListCards(ctx, CardQuery{Sort: SortDownloads})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(list) != 2 {
		t.Fatalf("total = %d, want only listed cards", total)
	}
	if list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("downloads order wrong: %s, %s", list[0].Name, list[1].Name)
	}
	page2, _, _ := s.ListCards(ctx, CardQuery{Limit: 1, Page: 2, Sort: SortDownloads})
	if len(page2) != 1 || page2[0].ID != b.ID {
		t.Fatalf("paging wrong")
	}
}

func testDeleteCard(t *testing.T, s Store) {
	ctx := context.Background()
	c, v1 := mustCreate(t, s, "Aria")
	v2 := newVersion()
	v2.CardID = c.ID
	if err := s.AppendVersion(ctx, v2); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.LinkTags(ctx, c.ID, []string{"Doomed"}); err != nil {
		t.Fatalf("link: %v", err)
	}
	removed, err := s.DeleteCard(ctx, c.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed = %d", len(removed))
	}
	if _, err := s.GetCard(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("card still present: %v", err)
	}
	if _, err := s.GetVersion(ctx, v1.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("version still present: %v", err)
	}
	if _, err := s.DeleteCard(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testCollections(t *testing.T, s Store) {
	ctx := context.Background()
	pkg := "pkg-" + uuid.NewString()
	modified := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	col := &model.Collection{
		ID: uuid.NewString(), Slug: "duo-" + uuid.NewString()[:8], Name: "Duo", UploaderID: "user-1",
		Visibility: model.VisibilityPublic, PackageID: &pkg, DateModified: &modified, ItemsCount: 2,
		StoragePath: "collections/x.voxpkg",
	}
	if err := s.CreateCollection(ctx, col); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetCollectionByPackageID(ctx, pkg)
	if err != nil || got.ID != col.ID || got.ItemsCount != 2 {
		t.Fatalf("by package: %v", err)
	}
	if !got.DateModified.Equal(modified) {
		t.Fatalf("date modified = %v", got.DateModified)
	}
	dup := *col
	dup.ID, dup.Slug = uuid.NewString(), "dup-"+uuid.NewString()[:8]
	if err := s.CreateCollection(ctx, &dup); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for duplicate package, got %v", err)
	}

	member := newCard("Member")
	member.CollectionID = &col.ID
	if err := s.CreateCardWithVersion(ctx, member, newVersion()); err != nil {
		t.Fatalf("member: %v", err)
	}
	cards, err := s.ListCollectionCards(ctx, col.ID)
	if err != nil || len(cards) != 1 {
		t.Fatalf("collection cards: %d %v", len(cards), err)
	}
	list, total, err := s.ListCollections(ctx, CollectionQuery{})
	if err != nil || total != 1 || list[0].ID != col.ID {
		t.Fatalf("list collections: %d %v", total, err)
	}
}

func testSessions(t *testing.T, s Store) {
	ctx := context.Background()
	card := newCard("Big")
	sess := &model.UploadSession{
		ID: uuid.NewString(), UploaderID: "user-1", Handle: "mp-1", StorageKey: "uploads/big.charx",
		ExpectedSize: 10, Extension: "charx", Visibility: model.VisibilityPublic, Tags: []string{"Big"},
	}
	if err := s.CreatePendingUpload(ctx, card, sess); err != nil {
		t.Fatalf("begin: %v", err)
	}
	got, _ := s.GetCard(ctx, card.ID)
	if got.ProcessingStatus != model.StatusPending || got.HeadVersionID != nil {
		t.Fatalf("placeholder wrong: %+v", got)
	}
	for _, p := range []model.UploadPart{{Number: 2, ETag: "b", Size: 4}, {Number: 1, ETag: "a", Size: 6}, {Number: 2, ETag: "b2", Size: 4}} {
		if err := s.RecordPart(ctx, sess.ID, p); err != nil {
			t.Fatalf("part: %v", err)
		}
	}
	gs, _ := s.GetSession(ctx, sess.ID)
	if len(gs.Parts) != 2 || gs.Parts[0].Number != 1 || gs.Parts[1].ETag != "b2" || gs.ReceivedBytes() != 10 {
		t.Fatalf("parts = %+v", gs.Parts)
	}

	soon := time.Now().Add(time.Minute)
	stale, err := s.ListStaleSessions(ctx, soon, soon)
	if err != nil || len(stale) != 1 {
		t.Fatalf("stale = %d %v", len(stale), err)
	}

	claimed, err := s.ClaimSession(ctx, sess.ID)
	if err != nil || claimed.Status != model.StatusProcessing {
		t.Fatalf("claim: %v", err)
	}
	if stale, _ := s.ListStaleSessions(ctx, soon, time.Now().Add(-time.Hour)); len(stale) != 0 {
		t.Fatalf("recent processing session listed: %d", len(stale))
	}
	if stale, _ := s.ListStaleSessions(ctx, soon, soon); len(stale) != 1 {
		t.Fatalf("stuck processing session not listed: %d", len(stale))
	}
	again, err := s.ClaimSession(ctx, sess.ID)
	if !errors.Is(err, ErrInvalidState) || again == nil || again.Status != model.StatusProcessing {
		t.Fatalf("second claim: %v", err)
	}
	if err := s.RecordPart(ctx, sess.ID, model.UploadPart{Number: 3}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("part after claim: %v", err)
	}

	v := newVersion()
	update := &model.Card{Name: "Big Final", Description: "done", Creator: "someone"}
	if err := s.CompleteSession(ctx, sess.ID, update, v); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = s.GetCard(ctx, card.ID)
	if got.ProcessingStatus != model.StatusComplete || got.Head() != v.ID || got.Name != "Big Final" {
		t.Fatalf("card not published: %+v", got)
	}
	gs, _ = s.GetSession(ctx, sess.ID)
	if gs.Status != model.StatusComplete || gs.VersionID == nil || *gs.VersionID != v.ID || gs.CompletedAt == nil {
		t.Fatalf("session not complete: %+v", gs)
	}
	if err := s.FailSession(ctx, sess.ID, "late"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("fail after complete: %v", err)
	}
	if err := s.CompleteSession(ctx, sess.ID, update, newVersion()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double complete: %v", err)
	}

	failing := newCard("Broken")
	fs := &model.UploadSession{ID: uuid.NewString(), Handle: "mp-2", StorageKey: "uploads/b"}
	if err := s.CreatePendingUpload(ctx, failing, fs); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.FailSession(ctx, fs.ID, "corrupt"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ = s.GetCard(ctx, failing.ID)
	if got.ProcessingStatus != model.StatusFailed || got.StatusMessage != "corrupt" {
		t.Fatalf("failed card = %+v", got)
	}
}

func testSessionAsCollection(t *testing.T, s Store) {
	ctx := context.Background()
	card := newCard("Pkg")
	sess := &model.UploadSession{ID: uuid.NewString(), Handle: "mp", StorageKey: "uploads/p"}
	if err := s.CreatePendingUpload(ctx, card, sess); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := s.ClaimSession(ctx, sess.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CompleteSessionAsCollection(ctx, sess.ID, "col-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.GetCard(ctx, card.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("placeholder must be removed: %v", err)
	}
	gs, _ := s.GetSession(ctx, sess.ID)
	if gs.CollectionID == nil || *gs.CollectionID != "col-1" {
		t.Fatalf("collection id not recorded: %+v", gs)
	}
}
