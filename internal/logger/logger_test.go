package logger

import "testing"

func TestRedactMasksSensitiveKeys(t *testing.T) {
	in := []interface{}{"session_id", "s1", "upload_token", "abc", "S3SecretKey", "xyz", "dangling"}
	out := redact(in)
	if out[1] != "s1" {
		t.Fatalf("expected session_id untouched, got %v", out[1])
	}
	if out[3] != "[REDACTED]" || out[5] != "[REDACTED]" {
		t.Fatalf("expected sensitive values redacted, got %v", out)
	}
	if out[6] != "dangling" {
		t.Fatalf("expected trailing key kept, got %v", out[6])
	}
	if in[3] != "abc" {
		t.Fatalf("redact must not mutate the caller's slice")
	}
}

func TestNopLogger(t *testing.T) {
	l := Nop().With("component", "test")
	l.Info("hello", "token", "secret")
	l.Sync()
}
