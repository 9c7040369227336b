package processing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/cardvault/internal/media"
)

type blockingResolver struct {
	mu      sync.Mutex
	calls   map[string]int
	release chan struct{}
	started chan string
}

func newBlockingResolver() *blockingResolver {
	return &blockingResolver{calls: map[string]int{}, release: make(chan struct{}), started: make(chan string, 16)}
}

func (b *blockingResolver) Resolve(ctx context.Context, cardID string) (*media.Result, error) {
	b.mu.Lock()
	b.calls[cardID]++
	b.mu.Unlock()
	b.started <- cardID
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return &media.Result{Noop: true}, nil
}

func (b *blockingResolver) count(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[id]
}

func TestTriggerDedupsInflight(t *testing.T) {
	r := newBlockingResolver()
	p := New(r, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		p.Wait()
	}()
	p.Start(ctx)

	if err := p.Trigger(ctx, "card-1"); err != nil {
		t.Fatal(err)
	}
	<-r.started
	for i := 0; i < 3; i++ {
		if err := p.Trigger(ctx, "card-1"); err != nil {
			t.Fatal(err)
		}
	}
	close(r.release)

	// Once the first run finishes the card can be queued again.
	deadline := time.Now().Add(time.Second)
	for {
		p.mu.Lock()
		busy := p.inflight["card-1"]
		p.mu.Unlock()
		if !busy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.count("card-1"); got != 1 {
		t.Fatalf("resolve calls = %d", got)
	}
	if err := p.Trigger(ctx, "card-1"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-r.started:
	case <-time.After(time.Second):
		t.Fatal("re-trigger not processed")
	}
}

func TestTriggerDropsWhenFull(t *testing.T) {
	p := New(newBlockingResolver(), 1, nil)
	// Not started: nothing drains the queue.
	for i := 0; i < cap(p.queue); i++ {
		if err := p.Trigger(context.Background(), string(rune('a'+i))); err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
	}
	if err := p.Trigger(context.Background(), "overflow"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v", err)
	}
	if p.inflight["overflow"] {
		t.Fatal("dropped job still marked in flight")
	}
}
