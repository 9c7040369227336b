package model

import "time"

// UploadPart is one multipart chunk acknowledged by the blob store.
type UploadPart struct {
	Number int    `json:"number"`
	ETag   string `json:"etag"`
	Size   int64  `json:"size"`
}

// UploadSession tracks a large upload from placeholder card to finalized
// version. The multipart handle belongs to the session until it is completed
// or aborted.
type UploadSession struct {
	ID           string           `json:"id"`
	CardID       string           `json:"cardId"`
	UploaderID   string           `json:"uploaderId"`
	Handle       string           `json:"-"`
	StorageKey   string           `json:"storageKey"`
	ExpectedSize int64            `json:"expectedSize"`
	Extension    string           `json:"extension"`
	Filename     string           `json:"filename"`
	Visibility   Visibility       `json:"visibility"`
	Tags         []string         `json:"tags"`
	Parts        []UploadPart     `json:"parts"`
	Status       ProcessingStatus `json:"status"`
	Message      string           `json:"message,omitempty"`
	VersionID    *string          `json:"versionId,omitempty"`
	CollectionID *string          `json:"collectionId,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
}

// ReceivedBytes sums the sizes of all acknowledged parts.
func (s *UploadSession) ReceivedBytes() int64 {
	var n int64
	for _, p := range s.Parts {
		n += p.Size
	}
	return n
}
