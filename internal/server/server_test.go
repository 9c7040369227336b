package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dharsanguruparan/cardvault/internal/cardcodec/cardtest"
	"github.com/dharsanguruparan/cardvault/internal/config"
	"github.com/dharsanguruparan/cardvault/internal/ingest"
	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/model"
	"github.com/dharsanguruparan/cardvault/internal/processing"
	"github.com/dharsanguruparan/cardvault/internal/repository"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Address:        "127.0.0.1:0",
		StorageBackend: config.StorageMemory,
		MaxFileSize:    1 << 20,
		MaxSessionSize: 1 << 20,
		CacheSize:      16,
		CacheTTL:       time.Minute,
		SigningSecret:  []byte("secret"),
		PartTokenTTL:   time.Hour,
		ProcessingPool: 1,
	}
}

func TestBuildInMemory(t *testing.T) {
	app, err := Build(context.Background(), memoryConfig(), logger.Nop(), Options{Migrate: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer app.Close()

	if _, ok := app.Repo.(*repository.Memory); !ok {
		t.Fatalf("repo = %T, want in-memory", app.Repo)
	}
	if _, ok := app.Trigger.(*processing.Processor); !ok {
		t.Fatalf("trigger = %T, want the in-process pool", app.Trigger)
	}

	out, err := app.Intake.Ingest(context.Background(), cardtest.JSON(cardtest.Card("Aria")),
		ingest.Upload{UploaderID: "u1", Visibility: model.VisibilityPublic})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	rec := httptest.NewRecorder()
	app.API().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cards/"+out.Card.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBuildRejectsUnknownStorage(t *testing.T) {
	cfg := memoryConfig()
	cfg.StorageBackend = "tape"
	if _, err := Build(context.Background(), cfg, logger.Nop(), Options{}); err == nil {
		t.Fatal("expected an error for an unknown storage backend")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	app, err := Build(context.Background(), memoryConfig(), logger.Nop(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer app.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
