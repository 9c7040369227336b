// Package model contains the struct definitions shared across the ingestion
// pipeline, the datastore and the HTTP layer.
package model

import (
	"encoding/json"
	"time"
)

// ProcessingStatus describes where a card is in its upload lifecycle. A card
// that is not complete must not be served as if its head version were final.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusComplete   ProcessingStatus = "complete"
	StatusFailed     ProcessingStatus = "failed"
)

// Visibility controls whether a card shows up in listings.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
)

// ParseVisibility maps user input onto a Visibility, defaulting to public.
func ParseVisibility(s string) Visibility {
	switch Visibility(s) {
	case VisibilityUnlisted, VisibilityPrivate:
		return Visibility(s)
	default:
		return VisibilityPublic
	}
}

// ModerationState is owned by the moderation subsystem; ingestion only sets
// the initial value.
type ModerationState string

const (
	ModerationOK      ModerationState = "ok"
	ModerationReview  ModerationState = "review"
	ModerationBlocked ModerationState = "blocked"
)

// Format tags the container an artifact arrived in.
type Format string

const (
	FormatPNG   Format = "png"
	FormatJSON  Format = "json"
	FormatCharX Format = "charx"
	FormatVoxta Format = "voxta"
)

// Extension returns the file extension used when storing an artifact of
// this format.
func (f Format) Extension() string {
	switch f {
	case FormatPNG:
		return "png"
	case FormatJSON:
		return "json"
	case FormatCharX:
		return "charx"
	case FormatVoxta:
		return "voxpkg"
	default:
		return "bin"
	}
}

// Counters are aggregate numbers maintained by other subsystems.
type Counters struct {
	Votes     int64 `json:"votes"`
	Favorites int64 `json:"favorites"`
	Downloads int64 `json:"downloads"`
	Comments  int64 `json:"comments"`
	Forks     int64 `json:"forks"`
}

// Card is the stable, user-facing record. HeadVersionID is nil only while the
// card is pending.
type Card struct {
	ID               string           `json:"id"`
	Slug             string           `json:"slug"`
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	Creator          string           `json:"creator"`
	CreatorNotes     string           `json:"creatorNotes"`
	UploaderID       string           `json:"uploaderId"`
	HeadVersionID    *string          `json:"headVersionId"`
	Visibility       Visibility       `json:"visibility"`
	Moderation       ModerationState  `json:"moderation"`
	Counters         Counters         `json:"counters"`
	Tags             []string         `json:"tags"`
	CollectionID     *string          `json:"collectionId,omitempty"`
	CollectionItemID *string          `json:"collectionItemId,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processingStatus"`
	UploadSessionID  *string          `json:"uploadSessionId,omitempty"`
	StatusMessage    string           `json:"statusMessage,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Listed reports whether the card may appear in public listings.
func (c *Card) Listed() bool {
	return c.ProcessingStatus == StatusComplete &&
		c.Visibility == VisibilityPublic &&
		c.Moderation != ModerationBlocked
}

// Head returns the head version id or "" while pending.
func (c *Card) Head() string {
	if c.HeadVersionID == nil {
		return ""
	}
	return *c.HeadVersionID
}

// TokenCounts are approximate token figures per card field.
type TokenCounts struct {
	Description        int `json:"description"`
	Personality        int `json:"personality"`
	Scenario           int `json:"scenario"`
	FirstMes           int `json:"firstMes"`
	MesExample         int `json:"mesExample"`
	SystemPrompt       int `json:"systemPrompt"`
	PostHistory        int `json:"postHistory"`
	AlternateGreetings int `json:"alternateGreetings"`
	Total              int `json:"total"`
}

// VersionStats are cheap metadata counters computed once at ingest.
type VersionStats struct {
	GreetingsCount        int  `json:"greetingsCount"`
	LorebookEntries       int  `json:"lorebookEntries"`
	EmbeddedAssets        int  `json:"embeddedAssets"`
	HasAlternateGreetings bool `json:"hasAlternateGreetings"`
}

// AssetRef is one entry of a version's asset manifest.
type AssetRef struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Extension  string `json:"ext"`
	Path       string `json:"path"`
	SourcePath string `json:"sourcePath,omitempty"`
	Size       int64  `json:"size"`
}

// Version is an immutable snapshot of a card. ParentVersionID links to the
// previous version of the same card, ForkedFromID to a version of another
// card.
type Version struct {
	ID              string          `json:"id"`
	CardID          string          `json:"cardId"`
	ParentVersionID *string         `json:"parentVersionId"`
	ForkedFromID    *string         `json:"forkedFromId"`
	StoragePath     string          `json:"storagePath"`
	ContentHash     string          `json:"contentHash"`
	Format          Format          `json:"format"`
	SpecVersion     string          `json:"specVersion"`
	Tokens          TokenCounts     `json:"tokens"`
	Stats           VersionStats    `json:"stats"`
	Assets          []AssetRef      `json:"assets"`
	ImagePath       string          `json:"imagePath,omitempty"`
	ThumbnailPath   string          `json:"thumbnailPath,omitempty"`
	CardData        json.RawMessage `json:"cardData"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// BlobPaths lists every blob locator this version references.
func (v *Version) BlobPaths() []string {
	out := make([]string, 0, len(v.Assets)+3)
	for _, p := range []string{v.StoragePath, v.ImagePath, v.ThumbnailPath} {
		if p != "" {
			out = append(out, p)
		}
	}
	for _, a := range v.Assets {
		if a.Path != "" {
			out = append(out, a.Path)
		}
	}
	return out
}
