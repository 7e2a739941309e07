package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/DougieWougie/davsync/internal/daverr"
)

// HashReader streams r through SHA-256 and returns the hex digest and
// the number of bytes read. Used for local files only; the remote
// side's fingerprint is the server's ETag, which is never recomputed
// here because that would mean downloading every file every run.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()

	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFile computes the content fingerprint of a local file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", daverr.Tag(daverr.KindFile, fmt.Errorf("opening %s: %w", path, err))
	}
	defer f.Close()

	sum, _, err := HashReader(f)
	if err != nil {
		return "", daverr.Tag(daverr.KindFile, fmt.Errorf("hashing %s: %w", path, err))
	}

	return sum, nil
}
