package chunkstore

import (
	"path/filepath"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
)

// ConfineOutputPath resolves a client-supplied final path under the
// store's <root>/output directory. The path is cleaned as if rooted at "/",
// so leading ".." elements are dropped and the result always stays under
// that directory; only an empty path is rejected. This
// implements the Design Notes' recommendation to confine complete's
// finalPath, since the distilled spec does not constrain it itself.
func (s *Store) ConfineOutputPath(finalPath string) (string, error) {
	if finalPath == "" {
		return "", ingest.New(ingest.KindBadIndex, "finalPath is required")
	}
	joined := filepath.Join(s.root, "output", filepath.Clean("/"+finalPath))
	if !isWithin(filepath.Join(s.root, "output"), joined) {
		return "", ingest.New(ingest.KindBadIndex, "finalPath escapes uploads root")
	}
	return joined, nil
}
