package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/teranos/stagebus/errors"
)

// FileIDLength is the number of base58 characters kept from the filename digest
const FileIDLength = 16

// FileID derives the stable identity of a submitted filename. Re-submitting
// the same name yields the same id; the manifest then assigns a new version.
func FileID(filename string) string {
	sum := sha256.Sum256([]byte(filename))
	id := base58.Encode(sum[:])
	if len(id) > FileIDLength {
		id = id[:FileIDLength]
	}
	return id
}

// ContentHash returns the hex sha256 of the file at path
func ContentHash(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, errors.Wrapf(err, "hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// NewScanID returns a time-ordered unique scan id
func NewScanID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
