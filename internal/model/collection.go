package model

import "time"

// Collection groups the cards that came out of one multi-character package.
// PackageID is nil when the package did not declare one.
type Collection struct {
	ID             string     `json:"id"`
	Slug           string     `json:"slug"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Creator        string     `json:"creator"`
	UploaderID     string     `json:"uploaderId"`
	Visibility     Visibility `json:"visibility"`
	PackageID      *string    `json:"packageId,omitempty"`
	PackageVersion string     `json:"packageVersion,omitempty"`
	DateModified   *time.Time `json:"dateModified,omitempty"`
	ItemsCount     int        `json:"itemsCount"`
	StoragePath    string     `json:"storagePath"`
	ThumbnailPath  string     `json:"thumbnailPath,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}
