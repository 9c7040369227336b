package model

import (
	"strings"
	"unicode"
)

// Tag is a find-or-create label. Slug is the normalized identity.
type Tag struct {
	ID         string `json:"id"`
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	UsageCount int64  `json:"usageCount"`
}

// Slugify lowercases s and collapses every run of non letters/digits into a
// single dash.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// NormalizeTags slugs and dedups tags, dropping empties. Order is kept.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		slug := Slugify(t)
		if slug == "" {
			continue
		}
		if _, ok := seen[slug]; ok {
			continue
		}
		seen[slug] = struct{}{}
		out = append(out, slug)
	}
	return out
}

// RecordSlug builds the human-readable slug for a card or collection. The id
// suffix keeps slugs unique without a lookup.
func RecordSlug(name, id string) string {
	base := Slugify(name)
	if len(base) > 60 {
		base = strings.TrimSuffix(base[:60], "-")
	}
	suffix := strings.ReplaceAll(id, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	if base == "" {
		return suffix
	}
	return base + "-" + suffix
}
