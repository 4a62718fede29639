package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const hashBufSize = 256 * 1024

// Checksum returns the lowercase hex SHA-256 of the file at path and the
// number of bytes hashed. limit > 0 hashes only the first limit bytes.
func Checksum(path string, limit int64) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit)
	}
	h := sha256.New()
	n, err := io.CopyBuffer(h, r, make([]byte, hashBufSize))
	if err != nil {
		return "", n, fmt.Errorf("read: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
