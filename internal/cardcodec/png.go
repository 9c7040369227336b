package cardcodec

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/dharsanguruparan/cardvault/internal/model"
)

// Text chunk keywords carrying base64 card JSON. ccv3 wins when both exist.
const (
	keywordV3     = "ccv3"
	keywordLegacy = "chara"
)

// pngTextChunks walks the chunk list and returns tEXt keyword/value pairs.
// image/png does not expose ancillary text chunks, so the walk is manual.
func pngTextChunks(data []byte) (map[string][]byte, error) {
	if !isPNG(data) {
		return nil, ErrUnrecognizedContainer
	}
	out := make(map[string][]byte)
	pos := len(pngSignature)
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		typ := string(data[pos+4 : pos+8])
		start := pos + 8
		end := start + length
		if end+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated png chunk %q", ErrUnrecognizedContainer, typ)
		}
		if typ == "tEXt" {
			body := data[start:end]
			if i := bytes.IndexByte(body, 0); i > 0 {
				out[string(body[:i])] = body[i+1:]
			}
		}
		if typ == "IEND" {
			break
		}
		pos = end + 4
	}
	return out, nil
}

func decodeBase64(b []byte) ([]byte, error) {
	s := string(bytes.TrimSpace(b))
	if out, err := base64.StdEncoding.DecodeString(s); err == nil {
		return out, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func parsePNG(data []byte) (*Parsed, error) {
	chunks, err := pngTextChunks(data)
	if err != nil {
		return nil, err
	}
	payload, ok := chunks[keywordV3]
	if !ok {
		payload, ok = chunks[keywordLegacy]
	}
	if !ok {
		return nil, fmt.Errorf("%w: png carries no card metadata", ErrUnrecognizedContainer)
	}
	raw, err := decodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: png card metadata is not base64: %v", ErrUnrecognizedContainer, err)
	}
	card, err := DecodeCard(raw)
	if err != nil {
		return nil, err
	}
	return &Parsed{Format: model.FormatPNG, Card: card, MainImage: data}, nil
}
