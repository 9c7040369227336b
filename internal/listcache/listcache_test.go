package listcache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dharsanguruparan/cardvault/internal/repository"
)

func TestKeysAreCanonical(t *testing.T) {
	a := CardListKey(repository.CardQuery{Tag: "fantasy"})
	b := CardListKey(repository.CardQuery{Tag: "fantasy", Page: 1, Limit: 24, Sort: "new"})
	if a != b {
		t.Fatalf("equivalent queries must share a key: %q vs %q", a, b)
	}
	if CardListKey(repository.CardQuery{Sort: "popular"}) == a {
		t.Fatal("different queries must not share a key")
	}
	if got := CollectionListKey(repository.CollectionQuery{}); got[:len(PrefixCollections)] != PrefixCollections {
		t.Fatalf("collection key %q lacks prefix", got)
	}
}

func TestInvalidateScopes(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(Options{Size: 16, TTL: time.Minute})
	cardKey := CardListKey(repository.CardQuery{})
	colKey := CollectionListKey(repository.CollectionQuery{})
	detail := CardDetailKey("c1")
	for _, k := range []string{cardKey, colKey, detail} {
		_ = c.Set(ctx, k, []byte("1"))
	}
	inv := NewInvalidator(c, nil)

	inv.Invalidate(ctx, ScopeCollections)
	if _, ok, _ := c.Get(ctx, colKey); ok {
		t.Fatal("collection listing survived")
	}
	if _, ok, _ := c.Get(ctx, cardKey); !ok {
		t.Fatal("card listing must survive a collection-only invalidation")
	}

	inv.InvalidateCard(ctx, "c1")
	for _, k := range []string{cardKey, detail} {
		if _, ok, _ := c.Get(ctx, k); ok {
			t.Fatalf("%s survived card invalidation", k)
		}
	}
}

func TestNilInvalidatorIsSafe(t *testing.T) {
	var inv *Invalidator
	inv.Invalidate(context.Background(), ScopeAll)
	NewInvalidator(nil, nil).InvalidateCard(context.Background(), "x")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(Options{TTL: time.Minute})
	calls := 0
	load := func(context.Context) ([]string, error) {
		calls++
		return []string{"a", "b"}, nil
	}
	for i := 0; i < 3; i++ {
		got, err := Load(ctx, c, "cards:list:x", load)
		if err != nil || len(got) != 2 {
			t.Fatalf("load: %v %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("loader called %d times", calls)
	}

	boom := errors.New("boom")
	if _, err := Load(ctx, c, "cards:list:y", func(context.Context) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
	if _, ok, _ := c.Get(ctx, "cards:list:y"); ok {
		t.Fatal("failed loads must not be cached")
	}
}

func TestLoadWithoutCache(t *testing.T) {
	got, err := Load(context.Background(), nil, "k", func(context.Context) (int, error) { return 7, nil })
	if err != nil || got != 7 {
		t.Fatalf("got %d, %v", got, err)
	}
}

// TestRedisDeletePrefix needs a live Redis; set CARDVAULT_TEST_REDIS to its
// address to run it.
func TestRedisDeletePrefix(t *testing.T) {
	addr := os.Getenv("CARDVAULT_TEST_REDIS")
	if addr == "" {
		t.Skip("CARDVAULT_TEST_REDIS not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	c := NewRedis(client, "cardvault-test:"+time.Now().Format("150405.000000")+":", time.Minute)

	for _, k := range []string{"cards:list:a", "cards:list:b", "collections:list:a"} {
		if err := c.Set(ctx, k, []byte("v")); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	n, err := c.DeletePrefix(ctx, PrefixCards)
	if err != nil || n != 2 {
		t.Fatalf("removed %d, %v", n, err)
	}
	if _, ok, _ := c.Get(ctx, "collections:list:a"); !ok {
		t.Fatal("other prefix removed")
	}
	_ = c.Delete(ctx, "collections:list:a")
}
