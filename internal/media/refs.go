package media

import (
	"regexp"
	"sort"
	"strings"

	"github.com/dharsanguruparan/cardvault/internal/cardcodec"
)

var (
	markdownImage = regexp.MustCompile(`!\[[^\]]*\]\(\s*<?(https?://[^)\s>]+)`)
	htmlImage     = regexp.MustCompile(`(?i)<img\b[^>]*?\bsrc\s*=\s*["'](https?://[^"']+)["']`)
)

// textFields lists the card fields that may embed images.
func textFields(d *cardcodec.Data) []*string {
	fields := []*string{
		&d.Description, &d.Personality, &d.Scenario, &d.FirstMes,
		&d.MesExample, &d.CreatorNotes, &d.SystemPrompt, &d.PostHistoryInstructions,
	}
	for i := range d.AlternateGreetings {
		fields = append(fields, &d.AlternateGreetings[i])
	}
	for i := range d.GroupOnlyGreetings {
		fields = append(fields, &d.GroupOnlyGreetings[i])
	}
	return fields
}

func isRemote(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// ExternalRefs lists the distinct remote image URLs in card, in order of
// appearance. URLs under hostedPrefix are already rehosted and skipped.
func ExternalRefs(card *cardcodec.Card, hostedPrefix string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(u string) {
		if seen[u] || !isRemote(u) || (hostedPrefix != "" && strings.HasPrefix(u, hostedPrefix)) {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	for _, a := range card.Data.Assets {
		add(a.URI)
	}
	for _, f := range textFields(&card.Data) {
		for _, re := range []*regexp.Regexp{markdownImage, htmlImage} {
			for _, m := range re.FindAllStringSubmatch(*f, -1) {
				add(m[1])
			}
		}
	}
	return out
}

// rewrite replaces every occurrence of the keys of urls in card.
func rewrite(card *cardcodec.Card, urls map[string]string) {
	if len(urls) == 0 {
		return
	}
	// Longer URLs first so one that prefixes another cannot win.
	froms := make([]string, 0, len(urls))
	for from := range urls {
		froms = append(froms, from)
	}
	sort.Slice(froms, func(i, j int) bool { return len(froms[i]) > len(froms[j]) })
	pairs := make([]string, 0, len(urls)*2)
	for _, from := range froms {
		pairs = append(pairs, from, urls[from])
	}
	r := strings.NewReplacer(pairs...)
	for i := range card.Data.Assets {
		if to, ok := urls[card.Data.Assets[i].URI]; ok {
			card.Data.Assets[i].URI = to
		}
	}
	for _, f := range textFields(&card.Data) {
		*f = r.Replace(*f)
	}
}
