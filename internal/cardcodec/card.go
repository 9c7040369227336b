package cardcodec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Spec tags as written by card editors.
const (
	SpecV1 = "chara_card_v1"
	SpecV2 = "chara_card_v2"
	SpecV3 = "chara_card_v3"
)

// Card is the canonical record payload. Spec and SpecVersion keep the tag the
// artifact was written with; Data always uses the V3 field set.
type Card struct {
	Spec        string `json:"spec"`
	SpecVersion string `json:"spec_version"`
	Data        Data   `json:"data"`
}

// Data holds the character fields.
type Data struct {
	Name                    string            `json:"name"`
	Description             string            `json:"description"`
	Personality             string            `json:"personality"`
	Scenario                string            `json:"scenario"`
	FirstMes                string            `json:"first_mes"`
	MesExample              string            `json:"mes_example"`
	CreatorNotes            string            `json:"creator_notes"`
	SystemPrompt            string            `json:"system_prompt"`
	PostHistoryInstructions string            `json:"post_history_instructions"`
	AlternateGreetings      []string          `json:"alternate_greetings"`
	GroupOnlyGreetings      []string          `json:"group_only_greetings,omitempty"`
	Tags                    []string          `json:"tags"`
	Creator                 string            `json:"creator"`
	CharacterVersion        string            `json:"character_version"`
	Nickname                string            `json:"nickname,omitempty"`
	Assets                  []AssetDescriptor `json:"assets,omitempty"`
	CharacterBook           json.RawMessage   `json:"character_book,omitempty"`
	Extensions              map[string]any    `json:"extensions"`
	CreationDate            int64             `json:"creation_date,omitempty"`
	ModificationDate        int64             `json:"modification_date,omitempty"`
}

// AssetDescriptor is a V3 asset entry. URI is "embeded://path", "ccdefault:",
// or an external http(s) URL.
type AssetDescriptor struct {
	Type string `json:"type"`
	URI  string `json:"uri"`
	Name string `json:"name"`
	Ext  string `json:"ext"`
}

// LorebookEntries counts character_book entries without interpreting them.
func (d *Data) LorebookEntries() int {
	if len(d.CharacterBook) == 0 || bytes.Equal(d.CharacterBook, []byte("null")) {
		return 0
	}
	var book struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(d.CharacterBook, &book); err != nil {
		return 0
	}
	return len(book.Entries)
}

// Clone returns a deep copy through a JSON round trip.
func (c *Card) Clone() (*Card, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out Card
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DecodeCard decodes V1, V2 and V3 card JSON.
func DecodeCard(raw []byte) (*Card, error) {
	var probe struct {
		Spec        string          `json:"spec"`
		SpecVersion string          `json:"spec_version"`
		Data        json.RawMessage `json:"data"`
		Name        string          `json:"name"`
		CharName    string          `json:"char_name"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: invalid card json: %v", ErrUnrecognizedContainer, err)
	}
	card := &Card{Spec: probe.Spec, SpecVersion: probe.SpecVersion}
	switch probe.Spec {
	case SpecV2, SpecV3:
		if len(probe.Data) == 0 {
			return nil, fmt.Errorf("%w: %s card without data", ErrUnrecognizedContainer, probe.Spec)
		}
		if err := json.Unmarshal(probe.Data, &card.Data); err != nil {
			return nil, fmt.Errorf("%w: invalid %s data: %v", ErrUnrecognizedContainer, probe.Spec, err)
		}
	case "":
		if probe.Name == "" && probe.CharName == "" {
			return nil, fmt.Errorf("%w: json has no card fields", ErrUnrecognizedContainer)
		}
		if err := json.Unmarshal(raw, &card.Data); err != nil {
			return nil, fmt.Errorf("%w: invalid v1 card: %v", ErrUnrecognizedContainer, err)
		}
		if card.Data.Name == "" {
			card.Data.Name = probe.CharName
		}
		card.Spec = SpecV1
		card.SpecVersion = "1.0"
	default:
		return nil, fmt.Errorf("%w: unknown spec %q", ErrUnrecognizedContainer, probe.Spec)
	}
	if card.Data.Name == "" {
		return nil, fmt.Errorf("%w: card has no name", ErrUnrecognizedContainer)
	}
	if card.Data.Extensions == nil {
		card.Data.Extensions = map[string]any{}
	}
	return card, nil
}
