package queue

import (
	"encoding/json"
	"testing"
)

func TestNewResolveMediaTask(t *testing.T) {
	task, opts, err := NewResolveMediaTask("card-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Type() != ResolveMediaTask {
		t.Fatalf("type = %s", task.Type())
	}
	var p ResolveMediaPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil || p.CardID != "card-1" {
		t.Fatalf("payload = %s", task.Payload())
	}
	if len(opts) != 3 {
		t.Fatalf("opts = %d", len(opts))
	}
	if opts[0].String() != `TaskID("card:resolve_media:card-1")` {
		t.Fatalf("task id option = %s", opts[0].String())
	}
}
