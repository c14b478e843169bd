package fetcher

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// maxNameLen keeps destination file names comfortably under common
// filesystem limits once the partition directories are prepended.
const maxNameLen = 180

// SafeName maps an export object name to a local file name. Names within
// the length limit pass through unchanged; longer names are truncated and
// suffixed with a short digest of the original so the mapping stays
// deterministic and collision-free.
func SafeName(name string) string {
	if len(name) <= maxNameLen {
		return name
	}

	sum := sha256.Sum256([]byte(name))
	digest := hex.EncodeToString(sum[:4])

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	keep := maxNameLen - len(ext) - len(digest) - 1
	if keep < 1 {
		keep = 1
	}
	if len(stem) > keep {
		stem = stem[:keep]
	}
	return stem + "-" + digest + ext
}
