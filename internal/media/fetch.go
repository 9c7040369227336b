package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

var errNotImage = errors.New("not an image")

var imageTypes = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/avif": "avif",
}

// fetch downloads one image, bounded by MaxBytes, and returns it with the
// extension for its content type.
func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "image/*")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > r.opts.MaxBytes {
		return nil, "", fmt.Errorf("image is %d bytes, limit %d", resp.ContentLength, r.opts.MaxBytes)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.opts.MaxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > r.opts.MaxBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", r.opts.MaxBytes)
	}
	ext, ok := imageExt(resp.Header.Get("Content-Type"), data)
	if !ok {
		return nil, "", errNotImage
	}
	return data, ext, nil
}

// imageExt trusts the declared type when it names an image and sniffs
// otherwise.
func imageExt(declared string, data []byte) (string, bool) {
	if mt, _, err := mime.ParseMediaType(declared); err == nil {
		if ext, ok := imageTypes[strings.ToLower(mt)]; ok {
			return ext, true
		}
	}
	ext, ok := imageTypes[http.DetectContentType(data)]
	return ext, ok
}
