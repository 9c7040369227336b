package repository

import (
	"context"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	storeTests(t, func(*testing.T) Store { return NewMemory() })
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	c, _ := mustCreate(t, m, "Aria")
	got, _ := m.GetCard(context.Background(), c.ID)
	got.Name = "mutated"
	again, _ := m.GetCard(context.Background(), c.ID)
	if again.Name != "Aria" {
		t.Fatal("memory store leaked internal state")
	}
}

func TestMemoryTagUsage(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a, _ := mustCreate(t, m, "A")
	b, _ := mustCreate(t, m, "B")
	_ = m.LinkTags(ctx, a.ID, []string{"Shared"})
	_ = m.LinkTags(ctx, b.ID, []string{"shared"})
	tag, ok := m.Tag("shared")
	if !ok || tag.UsageCount != 2 {
		t.Fatalf("usage = %+v", tag)
	}
	if _, err := m.DeleteCard(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	tag, _ = m.Tag("shared")
	if tag.UsageCount != 1 {
		t.Fatalf("usage after delete = %d", tag.UsageCount)
	}
}
