package cardcodec

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/dharsanguruparan/cardvault/internal/model"
)

const charxManifest = "card.json"

func openZip(data []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid zip: %v", ErrUnrecognizedContainer, err)
	}
	return zr, nil
}

func readEntry(f *zip.File, limit int64) ([]byte, error) {
	if int64(f.UncompressedSize64) > limit {
		return nil, fmt.Errorf("archive entry %s exceeds %d bytes", f.Name, limit)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open archive entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	buf, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read archive entry %s: %w", f.Name, err)
	}
	if int64(len(buf)) > limit {
		return nil, fmt.Errorf("archive entry %s exceeds %d bytes", f.Name, limit)
	}
	return buf, nil
}

func cleanEntryName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(name, "\\", "/")), "/")
}

// embeddedPath strips the embedded scheme. The V3 spec spells it
// "embeded://"; both spellings appear in the wild.
func embeddedPath(uri string) (string, bool) {
	for _, prefix := range []string{"embeded://", "embedded://"} {
		if strings.HasPrefix(uri, prefix) {
			return cleanEntryName(strings.TrimPrefix(uri, prefix)), true
		}
	}
	return "", false
}

func parseCharX(data []byte, opts Options) (*Parsed, error) {
	zr, err := openZip(data)
	if err != nil {
		return nil, err
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		files[cleanEntryName(f.Name)] = f
	}
	manifest, ok := files[charxManifest]
	if !ok {
		return nil, fmt.Errorf("%w (%d entries)", ErrUnrecognizedArchive, len(files))
	}
	raw, err := readEntry(manifest, opts.maxEntry())
	if err != nil {
		return nil, err
	}
	card, err := DecodeCard(raw)
	if err != nil {
		return nil, err
	}

	parsed := &Parsed{Format: model.FormatCharX, Card: card}
	claimed := map[string]bool{charxManifest: true}
	for i := range card.Data.Assets {
		desc := &card.Data.Assets[i]
		p, ok := embeddedPath(desc.URI)
		if !ok {
			continue
		}
		f, ok := files[p]
		if !ok {
			continue
		}
		buf, err := readEntry(f, opts.maxEntry())
		if err != nil {
			return nil, err
		}
		claimed[p] = true
		parsed.Assets = append(parsed.Assets, ArchiveAsset{Descriptor: desc, Path: p, Data: buf})
	}

	var rest []string
	for name := range files {
		if !claimed[name] && strings.HasPrefix(name, "assets/") {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		buf, err := readEntry(files[name], opts.maxEntry())
		if err != nil {
			return nil, err
		}
		parsed.Assets = append(parsed.Assets, ArchiveAsset{Path: name, Data: buf})
	}
	return parsed, nil
}
