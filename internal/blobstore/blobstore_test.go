package blobstore

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dharsanguruparan/cardvault/internal/config"
	"github.com/dharsanguruparan/cardvault/internal/model"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	local, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	return map[string]Backend{"memory": NewMemory(), "local": local}
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := Key("cards", "abc", "v1.json")
			if err := PutBytes(ctx, b, key, []byte(`{"a":1}`)); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := ReadAll(ctx, b, key, 0)
			if err != nil || string(got) != `{"a":1}` {
				t.Fatalf("get = %q, %v", got, err)
			}
			if _, err := ReadAll(ctx, b, key, 3); err == nil {
				t.Fatal("expected size limit error")
			}
			if err := b.Delete(ctx, key); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := b.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := b.Delete(ctx, key); err != nil {
				t.Fatalf("deleting a missing blob must succeed: %v", err)
			}
		})
	}
}

func TestMultipart(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := "uploads/s1/card.charx"
			handle, err := b.CreateMultipartUpload(ctx, key, "application/zip")
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			chunks := []string{"hello ", "multipart ", "world"}
			var parts []model.UploadPart
			for i := len(chunks) - 1; i >= 0; i-- {
				p, err := b.UploadPart(ctx, key, handle, i+1, strings.NewReader(chunks[i]), int64(len(chunks[i])))
				if err != nil {
					t.Fatalf("part %d: %v", i+1, err)
				}
				if p.Size != int64(len(chunks[i])) || p.ETag == "" {
					t.Fatalf("part meta = %+v", p)
				}
				parts = append(parts, p)
			}
			if err := b.CompleteMultipartUpload(ctx, key, handle, parts); err != nil {
				t.Fatalf("complete: %v", err)
			}
			got, err := ReadAll(ctx, b, key, 0)
			if err != nil || string(got) != "hello multipart world" {
				t.Fatalf("assembled = %q, %v", got, err)
			}
			if _, err := b.UploadPart(ctx, key, handle, 4, bytes.NewReader(nil), 0); !errors.Is(err, ErrUnknownUpload) {
				t.Fatalf("expected ErrUnknownUpload after complete, got %v", err)
			}
		})
	}
}

func TestMultipartAbortAndWrongKey(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			handle, err := b.CreateMultipartUpload(ctx, "uploads/a", "")
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := b.UploadPart(ctx, "uploads/other", handle, 1, strings.NewReader("x"), 1); !errors.Is(err, ErrUnknownUpload) {
				t.Fatalf("expected ErrUnknownUpload for wrong key, got %v", err)
			}
			if err := b.AbortMultipartUpload(ctx, "uploads/a", handle); err != nil {
				t.Fatalf("abort: %v", err)
			}
			if err := b.CompleteMultipartUpload(ctx, "uploads/a", handle, nil); !errors.Is(err, ErrUnknownUpload) {
				t.Fatalf("expected ErrUnknownUpload after abort, got %v", err)
			}
		})
	}
}

func TestCompleteWithMissingPart(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			handle, _ := b.CreateMultipartUpload(ctx, "uploads/m", "")
			p1, _ := b.UploadPart(ctx, "uploads/m", handle, 1, strings.NewReader("x"), 1)
			err := b.CompleteMultipartUpload(ctx, "uploads/m", handle, []model.UploadPart{p1, {Number: 2}})
			if err == nil {
				t.Fatal("expected error for a part that was never uploaded")
			}
		})
	}
}

func TestCleanKey(t *testing.T) {
	good := map[string]string{"cards/a/b.png": "cards/a/b.png", "/cards/x": "cards/x"}
	for in, want := range good {
		got, err := CleanKey(in)
		if err != nil || got != want {
			t.Errorf("CleanKey(%q) = %q, %v", in, got, err)
		}
	}
	for _, bad := range []string{"", "../etc/passwd", "cards/../../x", ".multipart/h/key", `a\b`, "a//b"} {
		if _, err := CleanKey(bad); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("CleanKey(%q) should fail", bad)
		}
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := PutBytes(context.Background(), l, "../escape", []byte("x")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestContentTypeAndURL(t *testing.T) {
	if ct := ContentType("a/b.charx"); ct != "application/zip" {
		t.Fatalf("charx content type = %s", ct)
	}
	if ct := ContentType("a/b.png"); ct != "image/png" {
		t.Fatalf("png content type = %s", ct)
	}
	if u := PublicURL("https://cards.example/", "a/b.png"); u != "https://cards.example/blobs/a/b.png" {
		t.Fatalf("url = %s", u)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, &config.Config{StorageBackend: config.StorageMemory})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := b.(*Memory); !ok {
		t.Fatalf("got %T", b)
	}
	if _, err := Open(ctx, &config.Config{StorageBackend: "tape"}); err == nil {
		t.Fatal("expected unknown backend error")
	}
}
