// Package thumbnail renders bounded PNG previews of card images and stores
// them in the blob store. Callers fall back to the original image when
// generation fails.
package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/dharsanguruparan/cardvault/internal/blobstore"
)

const defaultMaxDim = 512

// Service generates thumbnails.
type Service struct {
	store  blobstore.Store
	maxDim int
}

func New(store blobstore.Store, maxDim int) *Service {
	if maxDim <= 0 {
		maxDim = defaultMaxDim
	}
	return &Service{store: store, maxDim: maxDim}
}

// Key is where the thumbnail for owner/slot is stored.
func Key(ownerID, slot string) string {
	return blobstore.Key("thumbnails", ownerID, slot+".png")
}

// Generate scales data to fit the configured box and stores it as PNG,
// returning the blob key.
func (s *Service) Generate(ctx context.Context, data []byte, ownerID, slot string) (string, error) {
	out, err := Render(data, s.maxDim)
	if err != nil {
		return "", err
	}
	key := Key(ownerID, slot)
	if err := blobstore.PutBytes(ctx, s.store, key, out); err != nil {
		return "", fmt.Errorf("store thumbnail: %w", err)
	}
	return key, nil
}

// Render decodes data and returns a PNG no larger than maxDim on either
// side. Images are never upscaled.
func Render(data []byte, maxDim int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := src.Bounds()
	w, h := fit(b.Dx(), b.Dy(), maxDim)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("image has no pixels")
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func fit(w, h, maxDim int) (int, int) {
	if w <= maxDim && h <= maxDim {
		return w, h
	}
	if w >= h {
		return maxDim, max(1, h*maxDim/w)
	}
	return max(1, w*maxDim/h), maxDim
}
