// Package contenthash fingerprints raw upload bytes. The digest is an
// integrity/audit value stored on every version; it is never used to merge
// uploads.
package contenthash

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// Size is the length of a hex digest.
const Size = 64

// Sum returns the hex BLAKE3-256 digest of data.
func Sum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumReader hashes r to EOF. Used when the artifact already sits in blob
// storage and is streamed back rather than held in memory.
func SumReader(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
