package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/cardvault/internal/media"
	"github.com/dharsanguruparan/cardvault/internal/queue"
	"github.com/dharsanguruparan/cardvault/internal/repository"
)

type fakeResolver struct {
	calls []string
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, cardID string) (*media.Result, error) {
	f.calls = append(f.calls, cardID)
	if f.err != nil {
		return nil, f.err
	}
	return &media.Result{VersionID: "v2", Rehosted: 1}, nil
}

func TestHandleResolveMedia(t *testing.T) {
	task, _, err := queue.NewResolveMediaTask("card-1")
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"ok", nil, false},
		{"deleted card", repository.ErrNotFound, false},
		{"transient", errors.New("db down"), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := &fakeResolver{err: c.err}
			err := NewProcessor(r, nil).handleResolveMedia(context.Background(), task)
			if (err != nil) != c.wantErr {
				t.Fatalf("err = %v", err)
			}
			if len(r.calls) != 1 || r.calls[0] != "card-1" {
				t.Fatalf("calls = %v", r.calls)
			}
		})
	}
}

func TestHandleResolveMediaBadPayload(t *testing.T) {
	r := &fakeResolver{}
	err := NewProcessor(r, nil).handleResolveMedia(context.Background(), asynq.NewTask(queue.ResolveMediaTask, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v", err)
	}
	if len(r.calls) != 0 {
		t.Fatal("resolver called for a bad payload")
	}
}
