package cache

import (
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/minio/highwayhash"

	"github.com/schaermu/overlaysync/internal/manifest"
)

const (
	// Dir is the hidden directory under the install root holding cache files.
	Dir = manifest.ReservedDir

	maxPlainName = 64
	tailLength   = 32
)

var nameKey = []byte("overlaysync-cache-name-key-00001")

// Path derives the cache file location for remoteLocation under installRoot.
// The same inputs always produce the same path.
func Path(installRoot, remoteLocation string) string {
	return filepath.Join(installRoot, Dir, FileName(remoteLocation)+".yaml")
}

// FileName turns a remote location into a filesystem-safe base name. Short
// locations are kept readable; long ones become a HighwayHash-128 digest
// followed by the tail of the location.
func FileName(remoteLocation string) string {
	if len(remoteLocation) <= maxPlainName {
		return sanitize(remoteLocation)
	}

	sum := highwayhash.Sum128([]byte(remoteLocation), nameKey)
	tail := remoteLocation[len(remoteLocation)-tailLength:]
	return hex.EncodeToString(sum[:]) + "-" + sanitize(tail)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
