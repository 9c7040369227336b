package model

import (
	"reflect"
	"testing"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Hello World":      "hello-world",
		"  Édith  Piaf!! ": "édith-piaf",
		"a--b__c":          "a-b-c",
		"!!!":              "",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{"Fantasy", "fantasy", " ", "Sci Fi", "SCI-FI"})
	want := []string{"fantasy", "sci-fi"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestRecordSlug(t *testing.T) {
	got := RecordSlug("Aria the Bard", "0a1b2c3d-4e5f-6789-abcd-ef0123456789")
	if got != "aria-the-bard-0a1b2c3d" {
		t.Fatalf("unexpected slug %q", got)
	}
	if got := RecordSlug("", "0a1b2c3d-4e5f"); got != "0a1b2c3d" {
		t.Fatalf("unexpected slug for empty name %q", got)
	}
}
