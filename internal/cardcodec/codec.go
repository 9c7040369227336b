// Package cardcodec parses character card containers: PNG with embedded
// metadata, bare JSON, CHARX archives and multi-character Voxta packages.
package cardcodec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dharsanguruparan/cardvault/internal/model"
)

var (
	// ErrUnrecognizedContainer is returned when no supported container
	// matches the payload.
	ErrUnrecognizedContainer = errors.New("unrecognized card container")
	// ErrUnrecognizedArchive marks a zip that is not a CHARX archive. It also
	// matches ErrUnrecognizedContainer.
	ErrUnrecognizedArchive = fmt.Errorf("%w: archive has no card manifest", ErrUnrecognizedContainer)
)

const defaultMaxEntryBytes = 50 << 20

// Options tune parsing limits.
type Options struct {
	// MaxEntryBytes bounds every decompressed archive entry.
	MaxEntryBytes int64
}

func (o Options) maxEntry() int64 {
	if o.MaxEntryBytes <= 0 {
		return defaultMaxEntryBytes
	}
	return o.MaxEntryBytes
}

// Parsed is the result of parsing a single-character container.
type Parsed struct {
	Format model.Format
	Card   *Card
	// MainImage is set for PNG cards: the artifact itself is the portrait.
	MainImage []byte
	// Assets holds CHARX archive entries.
	Assets []ArchiveAsset
}

// ArchiveAsset is an embedded file from a CHARX archive, matched to its
// descriptor when the card declares one.
type ArchiveAsset struct {
	Descriptor *AssetDescriptor
	Path       string
	Data       []byte
}

var (
	pngSignature = []byte("\x89PNG\r\n\x1a\n")
	zipSignature = []byte("PK\x03\x04")
)

func isPNG(data []byte) bool { return bytes.HasPrefix(data, pngSignature) }

func isZip(data []byte) bool { return bytes.HasPrefix(data, zipSignature) }

func isJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n\xef\xbb\xbf")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// Parse handles the png, json and charx containers.
func Parse(data []byte, opts Options) (*Parsed, error) {
	switch {
	case isPNG(data):
		return parsePNG(data)
	case isZip(data):
		return parseCharX(data, opts)
	case isJSON(data):
		card, err := DecodeCard(bytes.TrimLeft(data, "\xef\xbb\xbf"))
		if err != nil {
			return nil, err
		}
		return &Parsed{Format: model.FormatJSON, Card: card}, nil
	default:
		return nil, ErrUnrecognizedContainer
	}
}
