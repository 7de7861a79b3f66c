package manifest

import (
	"crypto/sha1" //nolint:gosec // content identity, not a security boundary
	"io"
	"os"
)

// HashReader consumes r and returns the number of bytes read and their SHA-1.
func HashReader(r io.Reader) (uint64, []byte, error) {
	h := sha1.New() //nolint:gosec
	n, err := io.Copy(h, r)
	if err != nil {
		return 0, nil, err
	}
	return uint64(n), h.Sum(nil), nil
}

// HashFile computes the size and SHA-1 hash of the file at path.
func HashFile(path string) (uint64, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	return HashReader(f)
}
