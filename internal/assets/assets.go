// Package assets normalizes the asset lists the codec produces for each
// container into one shape and picks a main image per character.
package assets

import (
	"path"
	"strings"

	"github.com/dharsanguruparan/cardvault/internal/cardcodec"
)

// Kinds used across formats.
const (
	KindIcon       = "icon"
	KindBackground = "background"
	KindEmotion    = "emotion"
	KindUserIcon   = "user_icon"
	KindOther      = "other"
)

// Asset is the canonical asset shape.
type Asset struct {
	Name       string
	Kind       string
	Extension  string
	Data       []byte
	SourcePath string
}

// Extracted is the adapter output for one character.
type Extracted struct {
	Assets    []Asset
	MainImage *Asset
}

var imageExts = map[string]bool{"png": true, "jpg": true, "jpeg": true, "webp": true, "gif": true, "avif": true}

// IsImage reports whether ext names an image format.
func IsImage(ext string) bool { return imageExts[strings.ToLower(ext)] }

// FromParsed adapts a single-character parse result.
func FromParsed(p *cardcodec.Parsed) Extracted {
	var out Extracted
	for _, a := range p.Assets {
		out.Assets = append(out.Assets, fromArchive(a))
	}
	switch {
	case p.MainImage != nil:
		out.MainImage = &Asset{Name: "main", Kind: KindIcon, Extension: "png", Data: p.MainImage}
	default:
		out.MainImage = pickMain(out.Assets)
	}
	return out
}

// FromPackageItem adapts one package character. The character's thumbnail
// is its main image; otherwise its first image asset is used.
func FromPackageItem(item *cardcodec.PackageItem) Extracted {
	var out Extracted
	for _, f := range item.Files {
		ext := extOf(f.Path)
		out.Assets = append(out.Assets, Asset{
			Name:       baseName(f.Path),
			Kind:       packageKind(f.Path),
			Extension:  ext,
			Data:       f.Data,
			SourcePath: f.Path,
		})
	}
	if item.Thumbnail != nil {
		out.MainImage = &Asset{
			Name:       "thumbnail",
			Kind:       KindIcon,
			Extension:  sniffImageExt(item.Thumbnail, "png"),
			Data:       item.Thumbnail,
			SourcePath: "thumbnail",
		}
		return out
	}
	for i := range out.Assets {
		if IsImage(out.Assets[i].Extension) {
			out.MainImage = &out.Assets[i]
			break
		}
	}
	return out
}

func fromArchive(a cardcodec.ArchiveAsset) Asset {
	asset := Asset{
		Name:       baseName(a.Path),
		Kind:       archiveKind(a.Path),
		Extension:  extOf(a.Path),
		Data:       a.Data,
		SourcePath: a.Path,
	}
	if d := a.Descriptor; d != nil {
		if d.Name != "" {
			asset.Name = d.Name
		}
		if d.Type != "" {
			asset.Kind = normalizeKind(d.Type)
		}
		if d.Ext != "" {
			asset.Extension = cleanExt(d.Ext)
		}
	}
	return asset
}

// pickMain applies the explicit reference first (an icon named "main"),
// then the first icon.
func pickMain(list []Asset) *Asset {
	for i := range list {
		if list[i].Kind == KindIcon && list[i].Name == "main" && IsImage(list[i].Extension) {
			return &list[i]
		}
	}
	for i := range list {
		if list[i].Kind == KindIcon && IsImage(list[i].Extension) {
			return &list[i]
		}
	}
	return nil
}

func normalizeKind(t string) string {
	switch strings.ToLower(t) {
	case KindIcon:
		return KindIcon
	case KindBackground:
		return KindBackground
	case KindEmotion, "expression", "expressions":
		return KindEmotion
	case KindUserIcon:
		return KindUserIcon
	default:
		return KindOther
	}
}

func archiveKind(p string) string {
	parts := strings.Split(p, "/")
	if len(parts) > 2 && parts[0] == "assets" {
		return normalizeKind(parts[1])
	}
	return KindOther
}

func packageKind(p string) string {
	lower := strings.ToLower(p)
	switch {
	case strings.Contains(lower, "avatars/"):
		return KindEmotion
	case strings.Contains(lower, "backgrounds/"):
		return KindBackground
	default:
		return KindOther
	}
}

func baseName(p string) string {
	b := path.Base(p)
	return strings.TrimSuffix(b, path.Ext(b))
}

func extOf(p string) string { return cleanExt(path.Ext(p)) }

func cleanExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if len(ext) == 0 || len(ext) > 8 {
		return "bin"
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "bin"
		}
	}
	return ext
}

func sniffImageExt(data []byte, fallback string) string {
	switch {
	case len(data) >= 8 && string(data[:8]) == "\x89PNG\r\n\x1a\n":
		return "png"
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "jpg"
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "webp"
	default:
		return fallback
	}
}
