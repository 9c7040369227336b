package cardcodec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

const (
	packageManifest   = "package.json"
	charactersDir     = "characters/"
	characterManifest = "character.json"
	thumbnailBaseName = "thumbnail"
)

// ResourceKindCharacter is the ResourceRef kind naming a package character.
const ResourceKindCharacter = 1

// ErrNotAPackage is returned by ParsePackage when the archive holds no
// character entries.
var ErrNotAPackage = fmt.Errorf("%w: archive holds no package characters", ErrUnrecognizedContainer)

// FlexTime accepts the timestamp layouts package exporters emit.
type FlexTime struct{ time.Time }

var flexLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.9999999", "2006-01-02T15:04:05", "2006-01-02"}

func (t *FlexTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil || s == "" {
		return nil
	}
	for _, layout := range flexLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return nil
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// Ptr returns nil for the zero time.
func (t FlexTime) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// ResourceRef points at a resource inside the package.
type ResourceRef struct {
	Kind int    `json:"Kind"`
	ID   string `json:"Id"`
}

// PackageMeta is the optional top-level package manifest.
type PackageMeta struct {
	ID                string       `json:"Id"`
	Name              string       `json:"Name"`
	Version           string       `json:"Version"`
	Description       string       `json:"Description"`
	Creator           string       `json:"Creator"`
	ExplicitContent   bool         `json:"ExplicitContent"`
	DateCreated       FlexTime     `json:"DateCreated"`
	DateModified      FlexTime     `json:"DateModified"`
	ThumbnailResource *ResourceRef `json:"ThumbnailResource,omitempty"`
}

// Character is the package's own character schema.
type Character struct {
	ID                       string   `json:"Id"`
	PackageID                string   `json:"PackageId"`
	Name                     string   `json:"Name"`
	Label                    string   `json:"Label"`
	Description              string   `json:"Description"`
	Personality              string   `json:"Personality"`
	Profile                  string   `json:"Profile"`
	Scenario                 string   `json:"Scenario"`
	FirstMessage             string   `json:"FirstMessage"`
	AlternativeFirstMessages []string `json:"AlternativeFirstMessages"`
	MessageExamples          string   `json:"MessageExamples"`
	SystemPrompt             string   `json:"SystemPrompt"`
	PostHistoryInstructions  string   `json:"PostHistoryInstructions"`
	Creator                  string   `json:"Creator"`
	CreatorNotes             string   `json:"CreatorNotes"`
	Tags                     []string `json:"Tags"`
	Version                  string   `json:"Version"`
	Culture                  string   `json:"Culture"`
	ExplicitContent          bool     `json:"ExplicitContent"`
	DateCreated              FlexTime `json:"DateCreated"`
	DateModified             FlexTime `json:"DateModified"`
}

// PackageFile is a file inside one character's directory.
type PackageFile struct {
	Path string
	Data []byte
}

// PackageItem is one character of a package. ParseErr is set when the
// character manifest could not be decoded; the item is still reported so
// callers can count it.
type PackageItem struct {
	Dir       string
	Character Character
	Raw       json.RawMessage
	Thumbnail []byte
	Files     []PackageFile
	ParseErr  error
}

// Package is the decoded multi-character archive.
type Package struct {
	Meta  *PackageMeta
	Items []PackageItem
}

// LooksLikePackage is the cheap sniff: a zip whose central directory lists a
// top-level package.json.
func LooksLikePackage(data []byte) bool {
	if !isZip(data) {
		return false
	}
	zr, err := openZip(data)
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if strings.EqualFold(cleanEntryName(f.Name), packageManifest) {
			return true
		}
	}
	return false
}

// ParsePackage decodes a multi-character package. package.json is optional.
func ParsePackage(data []byte, opts Options) (*Package, error) {
	if !isZip(data) {
		return nil, ErrNotAPackage
	}
	zr, err := openZip(data)
	if err != nil {
		return nil, err
	}
	pkg := &Package{}
	var manifests []string
	byDir := map[string][]*zip.File{}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := cleanEntryName(f.Name)
		lower := strings.ToLower(name)
		if lower == packageManifest {
			raw, err := readEntry(f, opts.maxEntry())
			if err != nil {
				return nil, err
			}
			var meta PackageMeta
			if err := json.Unmarshal(raw, &meta); err != nil {
				return nil, fmt.Errorf("decode package manifest: %w", err)
			}
			pkg.Meta = &meta
			continue
		}
		if !strings.HasPrefix(lower, charactersDir) {
			continue
		}
		rest := name[len(charactersDir):]
		slash := strings.IndexByte(rest, '/')
		if slash <= 0 {
			continue
		}
		dir := name[:len(charactersDir)+slash]
		byDir[dir] = append(byDir[dir], f)
		if strings.EqualFold(rest[slash+1:], characterManifest) {
			manifests = append(manifests, dir)
		}
	}
	if len(manifests) == 0 {
		return nil, ErrNotAPackage
	}
	sort.Strings(manifests)

	for _, dir := range manifests {
		item := &PackageItem{Dir: dir}
		for _, f := range byDir[dir] {
			name := cleanEntryName(f.Name)
			rel := name[len(dir)+1:]
			buf, err := readEntry(f, opts.maxEntry())
			if err != nil {
				item.ParseErr = errors.Join(item.ParseErr, err)
				continue
			}
			switch {
			case strings.EqualFold(rel, characterManifest):
				item.Raw = buf
				if err := json.Unmarshal(buf, &item.Character); err != nil {
					item.ParseErr = errors.Join(item.ParseErr, fmt.Errorf("decode %s: %w", name, err))
				}
			case isThumbnailName(rel):
				item.Thumbnail = buf
			default:
				item.Files = append(item.Files, PackageFile{Path: rel, Data: buf})
			}
		}
		sort.Slice(item.Files, func(i, j int) bool { return item.Files[i].Path < item.Files[j].Path })
		pkg.Items = append(pkg.Items, *item)
	}
	return pkg, nil
}

func isThumbnailName(rel string) bool {
	lower := strings.ToLower(rel)
	for _, ext := range []string{".png", ".webp", ".jpg", ".jpeg"} {
		if lower == thumbnailBaseName+ext {
			return true
		}
	}
	return false
}

// ToCard converts a package character into the canonical card payload.
func (it *PackageItem) ToCard(meta *PackageMeta) (*Card, error) {
	if it.ParseErr != nil {
		return nil, it.ParseErr
	}
	ch := it.Character
	if strings.TrimSpace(ch.Name) == "" {
		return nil, fmt.Errorf("character in %s has no name", it.Dir)
	}
	description := ch.Description
	if ch.Profile != "" {
		if description != "" {
			description += "\n\n"
		}
		description += ch.Profile
	}
	voxta := map[string]any{
		"id":      ch.ID,
		"culture": ch.Culture,
	}
	if ch.PackageID != "" {
		voxta["packageId"] = ch.PackageID
	} else if meta != nil && meta.ID != "" {
		voxta["packageId"] = meta.ID
	}
	card := &Card{
		Spec:        SpecV3,
		SpecVersion: "3.0",
		Data: Data{
			Name:                    ch.Name,
			Nickname:                ch.Label,
			Description:             description,
			Personality:             ch.Personality,
			Scenario:                ch.Scenario,
			FirstMes:                ch.FirstMessage,
			AlternateGreetings:      append([]string{}, ch.AlternativeFirstMessages...),
			MesExample:              ch.MessageExamples,
			SystemPrompt:            ch.SystemPrompt,
			PostHistoryInstructions: ch.PostHistoryInstructions,
			Creator:                 ch.Creator,
			CreatorNotes:            ch.CreatorNotes,
			Tags:                    append([]string{}, ch.Tags...),
			CharacterVersion:        ch.Version,
			Extensions:              map[string]any{"voxta": voxta},
		},
	}
	if t := ch.DateCreated.Ptr(); t != nil {
		card.Data.CreationDate = t.Unix()
	}
	if t := ch.DateModified.Ptr(); t != nil {
		card.Data.ModificationDate = t.Unix()
	}
	if card.Data.Creator == "" && meta != nil {
		card.Data.Creator = meta.Creator
	}
	return card, nil
}
