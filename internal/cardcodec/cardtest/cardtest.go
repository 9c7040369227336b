// Package cardtest builds card container fixtures for tests.
package cardtest

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/dharsanguruparan/cardvault/internal/cardcodec"
)

// Card returns a minimal V2 card named name.
func Card(name string) *cardcodec.Card {
	return &cardcodec.Card{
		Spec:        cardcodec.SpecV2,
		SpecVersion: "2.0",
		Data: cardcodec.Data{
			Name:               name,
			Description:        name + " is a test character.",
			Personality:        "curious",
			FirstMes:           "Hello there.",
			AlternateGreetings: []string{"Hi!"},
			Tags:               []string{"Test", "Fixture"},
			Creator:            "fixture-bot",
			Extensions:         map[string]any{},
		},
	}
}

// Image returns a small opaque PNG.
func Image(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// JSON encodes card as a bare JSON file.
func JSON(card *cardcodec.Card) []byte {
	raw, err := json.Marshal(card)
	if err != nil {
		panic(err)
	}
	return raw
}

// PNG embeds card into a PNG under the given tEXt keyword ("chara" or
// "ccv3").
func PNG(card *cardcodec.Card, keyword string) []byte {
	return WithTextChunk(Image(8, 8), keyword, base64.StdEncoding.EncodeToString(JSON(card)))
}

// WithTextChunk inserts a tEXt chunk right before IEND.
func WithTextChunk(pngData []byte, keyword, text string) []byte {
	iend := bytes.LastIndex(pngData, []byte("IEND"))
	if iend < 4 {
		panic("cardtest: png without IEND")
	}
	body := append([]byte(keyword), 0)
	body = append(body, text...)

	var chunk bytes.Buffer
	_ = binary.Write(&chunk, binary.BigEndian, uint32(len(body)))
	chunk.WriteString("tEXt")
	chunk.Write(body)
	crc := crc32.NewIEEE()
	crc.Write([]byte("tEXt"))
	crc.Write(body)
	_ = binary.Write(&chunk, binary.BigEndian, crc.Sum32())

	out := make([]byte, 0, len(pngData)+chunk.Len())
	out = append(out, pngData[:iend-4]...)
	out = append(out, chunk.Bytes()...)
	out = append(out, pngData[iend-4:]...)
	return out
}

// Zip writes files (name -> content) into an archive in sorted name order.
func Zip(files map[string][]byte) []byte {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			panic(err)
		}
		if _, err := w.Write(files[name]); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// CharX builds a CHARX archive. Each extra file is declared as an asset of
// the kind named by its parent directory.
func CharX(card *cardcodec.Card, assets map[string][]byte) []byte {
	c, err := card.Clone()
	if err != nil {
		panic(err)
	}
	c.Spec = cardcodec.SpecV3
	c.SpecVersion = "3.0"
	files := map[string][]byte{}
	for p, data := range assets {
		ext := path.Ext(p)
		name := path.Base(p)
		name = name[:len(name)-len(ext)]
		c.Data.Assets = append(c.Data.Assets, cardcodec.AssetDescriptor{
			Type: assetType(p),
			URI:  "embeded://" + p,
			Name: name,
			Ext:  trimDot(ext),
		})
		files[p] = data
	}
	sort.Slice(c.Data.Assets, func(i, j int) bool { return c.Data.Assets[i].URI < c.Data.Assets[j].URI })
	files["card.json"] = JSON(c)
	return Zip(files)
}

// VoxCharacter describes one character of a package fixture. RawJSON, when
// set, replaces the encoded Character so tests can inject malformed items.
type VoxCharacter struct {
	Character cardcodec.Character
	RawJSON   []byte
	Thumbnail []byte
	Files     map[string][]byte
}

// VoxPackage builds a multi-character package. meta == nil omits
// package.json.
func VoxPackage(meta *cardcodec.PackageMeta, chars []VoxCharacter) []byte {
	files := map[string][]byte{}
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			panic(err)
		}
		files["package.json"] = raw
	}
	for _, ch := range chars {
		dir := "Characters/" + ch.Character.ID
		raw := ch.RawJSON
		if raw == nil {
			var err error
			if raw, err = json.Marshal(ch.Character); err != nil {
				panic(err)
			}
		}
		files[dir+"/character.json"] = raw
		if ch.Thumbnail != nil {
			files[dir+"/thumbnail.png"] = ch.Thumbnail
		}
		for p, data := range ch.Files {
			files[dir+"/"+p] = data
		}
	}
	return Zip(files)
}

// VoxChar returns a well-formed package character.
func VoxChar(id, name string) VoxCharacter {
	return VoxCharacter{
		Character: cardcodec.Character{
			ID:           id,
			Name:         name,
			Description:  name + " lives in a package.",
			FirstMessage: "Greetings from " + name,
			Creator:      "pkg-author",
			Tags:         []string{"Package"},
		},
		Thumbnail: Image(4, 4),
	}
}

// assetType is the directory right under assets/, e.g. "icon" for
// assets/icon/images/main.png.
func assetType(p string) string {
	parts := strings.Split(p, "/")
	if len(parts) > 2 && parts[0] == "assets" {
		return parts[1]
	}
	return "other"
}

func trimDot(ext string) string {
	if len(ext) > 0 && ext[0] == '.' {
		return ext[1:]
	}
	return ext
}
