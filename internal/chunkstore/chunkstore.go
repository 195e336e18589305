// Package chunkstore provides filesystem-backed storage of uploaded chunk
// bytes keyed by (fileId, index). Writes are atomic (temp file, fsync,
// rename), mirroring the write-then-rename discipline the teacher's
// segment-file chunk manager uses for its log segments, scaled down from
// whole-segment writes to individual chunk files.
package chunkstore

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
	"github.com/abdulmunimjundurahman/ingestd/internal/logging"
)

// idPattern confines fileId/ownerId to a safe charset so they cannot be
// used to escape the configured root via path traversal.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

// Store is filesystem-backed, per-fileId-locked chunk storage.
type Store struct {
	root   string
	logger *slog.Logger

	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store rooted at root with zstd at-rest chunk compression
// enabled. root is created if it does not exist.
func New(root string, logger *slog.Logger) (*Store, error) {
	return NewWithCompression(root, logger, true)
}

// NewWithCompression creates a Store with at-rest chunk compression
// explicitly toggled — off for callers (tests, or deployments storing
// already-compressed media) that want raw chunk bytes on disk.
func NewWithCompression(root string, logger *slog.Logger, compress bool) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create chunkstore root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve chunkstore root: %w", err)
	}
	logger = logging.Default(logger).With("component", "chunkstore")

	var enc *zstd.Encoder
	var dec *zstd.Decoder
	if compress {
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		dec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
	}

	return &Store{
		root: abs, logger: logger,
		compress: compress, enc: enc, dec: dec,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) lockFor(fileID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[fileID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[fileID] = l
	}
	return l
}

// forgetLock drops the per-file lock entry after a session's chunks have
// been purged, so the lock map does not grow unbounded across the process
// lifetime.
func (s *Store) forgetLock(fileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, fileID)
}

func validateID(name, value string) error {
	if !idPattern.MatchString(value) {
		return ingest.New(ingest.KindBadIndex, fmt.Sprintf("invalid %s", name))
	}
	return nil
}

// dir returns the confined chunk directory for (fileId, ownerId), verifying
// the resolved path stays under the store's root.
func (s *Store) dir(fileID, ownerID string) (string, error) {
	if err := validateID("fileId", fileID); err != nil {
		return "", err
	}
	if err := validateID("ownerId", ownerID); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, "temp", "chunks", ownerID, fileID)
	clean := filepath.Clean(dir)
	if !isWithin(s.root, clean) {
		return "", ingest.New(ingest.KindIOError, "chunk path escapes root")
	}
	return clean, nil
}

// isWithin reports whether target is root itself or a descendant of root.
func isWithin(root, target string) bool {
	if target == root {
		return true
	}
	return strings.HasPrefix(target, root+string(filepath.Separator))
}

// Prepare creates (idempotently) the chunk directory for a session.
func (s *Store) Prepare(fileID, ownerID string) (string, error) {
	dir, err := s.dir(fileID, ownerID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", ingest.Wrap(ingest.KindIOError, "create chunk dir", err)
	}
	return dir, nil
}

func chunkFileName(index int) string { return fmt.Sprintf("chunk_%d", index) }

// Write atomically stores the bytes for (fileId, index): write to a .tmp
// file, fsync, then rename over the final name.
func (s *Store) Write(fileID, ownerID string, index int, data []byte) error {
	lock := s.lockFor(fileID)
	lock.Lock()
	defer lock.Unlock()

	dir, err := s.dir(fileID, ownerID)
	if err != nil {
		return err
	}
	final := filepath.Join(dir, chunkFileName(index))
	tmp := final + ".tmp"

	payload := data
	if s.compress {
		payload = s.enc.EncodeAll(data, make([]byte, 0, len(data)))
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ingest.Wrap(ingest.KindIOError, "open chunk temp file", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return ingest.Wrap(ingest.KindIOError, "write chunk", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return ingest.Wrap(ingest.KindIOError, "fsync chunk", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return ingest.Wrap(ingest.KindIOError, "close chunk", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return ingest.Wrap(ingest.KindIOError, "rename chunk", err)
	}
	return nil
}

// Exists reports whether a chunk has been written. Safe to call without the
// per-file lock: it only observes the final (post-rename) name.
func (s *Store) Exists(fileID, ownerID string, index int) (bool, error) {
	dir, err := s.dir(fileID, ownerID)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(dir, chunkFileName(index)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, ingest.Wrap(ingest.KindIOError, "stat chunk", err)
}

// List returns the indices of chunks currently on disk for fileId, sorted
// ascending. The filesystem is the source of truth.
func (s *Store) List(fileID, ownerID string) ([]int, error) {
	dir, err := s.dir(fileID, ownerID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ingest.Wrap(ingest.KindIOError, "list chunk dir", err)
	}
	var indices []int
	for _, e := range entries {
		var idx int
		if _, err := fmt.Sscanf(e.Name(), "chunk_%d", &idx); err == nil {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	return indices, nil
}

// Read returns the bytes of a previously written chunk. Lock-free: once a
// write has fsynced and renamed, the final file is immutable.
func (s *Store) Read(fileID, ownerID string, index int) ([]byte, error) {
	dir, err := s.dir(fileID, ownerID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, chunkFileName(index)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ingest.New(ingest.KindNotFound, "chunk not found")
		}
		return nil, ingest.Wrap(ingest.KindIOError, "read chunk", err)
	}
	if s.compress {
		out, err := s.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, ingest.Wrap(ingest.KindIOError, "decompress chunk", err)
		}
		return out, nil
	}
	return data, nil
}

// Assemble streams chunks in order into outPath, fsyncs, and verifies the
// resulting size equals expectedSize.
func (s *Store) Assemble(fileID, ownerID string, order []int, outPath string, expectedSize int64) (int64, error) {
	lock := s.lockFor(fileID)
	lock.Lock()
	defer lock.Unlock()

	dir, err := s.dir(fileID, ownerID)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, ingest.Wrap(ingest.KindIOError, "create output dir", err)
	}

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, ingest.Wrap(ingest.KindIOError, "create output file", err)
	}
	defer out.Close()

	bw := bufio.NewWriter(out)
	var total int64
	for _, idx := range order {
		chunkPath := filepath.Join(dir, chunkFileName(idx))
		raw, err := os.ReadFile(chunkPath)
		if err != nil {
			return 0, ingest.Wrap(ingest.KindIOError, "read chunk during assemble", err)
		}
		data := raw
		if s.compress {
			data, err = s.dec.DecodeAll(raw, nil)
			if err != nil {
				return 0, ingest.Wrap(ingest.KindIOError, "decompress chunk during assemble", err)
			}
		}
		n, err := bw.Write(data)
		if err != nil {
			return 0, ingest.Wrap(ingest.KindIOError, "copy chunk during assemble", err)
		}
		total += int64(n)
	}
	if err := bw.Flush(); err != nil {
		return 0, ingest.Wrap(ingest.KindIOError, "flush assembled file", err)
	}
	if err := out.Sync(); err != nil {
		return 0, ingest.Wrap(ingest.KindIOError, "fsync assembled file", err)
	}

	if total != expectedSize {
		return total, ingest.New(ingest.KindSizeMismatch,
			fmt.Sprintf("assembled %d bytes, expected %d", total, expectedSize))
	}
	return total, nil
}

// Purge removes all chunks and the session directory. It always attempts
// full cleanup even if the directory is only partially populated; it never
// fails the caller for a missing or already-removed directory.
func (s *Store) Purge(fileID, ownerID string) error {
	defer s.forgetLock(fileID)

	dir, err := s.dir(fileID, ownerID)
	if err != nil {
		return nil // nothing we can safely touch
	}
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Error("purge chunk dir", "fileId", fileID, "error", err)
	}
	return nil
}
