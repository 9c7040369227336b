package versioning

import (
	"unicode/utf8"

	"github.com/dharsanguruparan/cardvault/internal/cardcodec"
	"github.com/dharsanguruparan/cardvault/internal/model"
)

// approxTokens estimates tokens as one per four characters, rounded up.
// There is no tokenizer in the dependency set; the figure is for display.
func approxTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// Measure computes the token and metadata counters stored on a version.
func Measure(card *cardcodec.Card, embeddedAssets int) (model.TokenCounts, model.VersionStats) {
	d := &card.Data
	t := model.TokenCounts{
		Description:  approxTokens(d.Description),
		Personality:  approxTokens(d.Personality),
		Scenario:     approxTokens(d.Scenario),
		FirstMes:     approxTokens(d.FirstMes),
		MesExample:   approxTokens(d.MesExample),
		SystemPrompt: approxTokens(d.SystemPrompt),
		PostHistory:  approxTokens(d.PostHistoryInstructions),
	}
	for _, g := range d.AlternateGreetings {
		t.AlternateGreetings += approxTokens(g)
	}
	t.Total = t.Description + t.Personality + t.Scenario + t.FirstMes + t.MesExample +
		t.SystemPrompt + t.PostHistory + t.AlternateGreetings

	s := model.VersionStats{
		GreetingsCount:        len(d.AlternateGreetings),
		LorebookEntries:       d.LorebookEntries(),
		EmbeddedAssets:        embeddedAssets,
		HasAlternateGreetings: len(d.AlternateGreetings) > 0,
	}
	if d.FirstMes != "" {
		s.GreetingsCount++
	}
	return t, s
}
