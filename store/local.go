package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"io"
	"iter"
	"os"
	"path/filepath"

	"cdr.dev/slog"

	"github.com/coder/airgap-marketplace/errs"
)

// LocalStore implements the Artifact Store directly on a local directory
// tree, per spec section 4.1's layout. It is the only type in this
// repository that writes to disk.
type LocalStore struct {
	root   string
	logger slog.Logger
}

// New returns a LocalStore rooted at dir. The directory is created if it
// does not already exist.
func New(dir string, logger slog.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindStoreIO, "create artifact root", err)
	}
	return &LocalStore{root: dir, logger: logger}, nil
}

// Root returns the artifact root directory.
func (s *LocalStore) Root() string { return s.root }

// path joins relpath onto the store root, confining it to the root the way
// spec section 3 requires asset paths be confined to the extension's own
// directory.
func (s *LocalStore) path(relpath string) string {
	return filepath.Join(s.root, filepath.Clean(string(filepath.Separator)+filepath.FromSlash(relpath)))
}

// --- layout helpers -------------------------------------------------------

// ExtensionDir returns the directory for an extension identifier.
func (s *LocalStore) ExtensionDir(identifier string) string {
	return filepath.Join("extensions", identifier)
}

// ExtensionVersionDir returns the directory for a single version of an
// extension, nesting a target-platform subdirectory when the version is not
// universal, per spec section 4.1's layout.
func (s *LocalStore) ExtensionVersionDir(identifier string, v Version) string {
	dir := filepath.Join("extensions", identifier, v.Semver)
	if !v.isUniversal() {
		dir = filepath.Join(dir, string(v.TargetPlatform))
	}
	return dir
}

// ExtensionLatestPath returns the path to an extension's latest.json.
func (s *LocalStore) ExtensionLatestPath(identifier string) string {
	return filepath.Join("extensions", identifier, "latest.json")
}

// BinaryDir returns the directory holding a single binary release's payload.
func (s *LocalStore) BinaryDir(quality Quality, platform Platform, commit string) string {
	return filepath.Join("binaries", string(quality), string(platform), commit)
}

// BinaryLatestPath returns the path to a (quality, platform) pair's
// latest.json.
func (s *LocalStore) BinaryLatestPath(quality Quality, platform Platform) string {
	return filepath.Join("binaries", string(quality), string(platform), "latest.json")
}

const (
	extensionsIndexPath = "extensions/extensions.json"
	recommendedPath     = "extensions/recommended.json"
	maliciousPath       = "extensions/malicious.json"
	specifiedPath       = "specified.json"
)

// --- write primitives ------------------------------------------------------

// WriteHandle is an open, uncommitted write to a temporary sibling of its
// final path. No partial file is ever visible at the final name: Commit
// renames atomically, Abort (or any un-Committed handle) leaves the final
// path untouched.
type WriteHandle struct {
	f         *os.File
	finalPath string
	tmpPath   string
	hash      hash.Hash
	committed bool
}

// Write implements io.Writer, hashing as it streams so callers can verify a
// declared hash without a second read pass.
func (h *WriteHandle) Write(p []byte) (int, error) {
	n, err := h.f.Write(p)
	if n > 0 {
		h.hash.Write(p[:n])
	}
	return n, err
}

// Sum returns the lowercase hex SHA-256 of everything written so far.
func (h *WriteHandle) Sum() string {
	return hex.EncodeToString(h.hash.Sum(nil))
}

// Commit renames the temporary file onto its final path. The rename is a
// same-directory rename and thus atomic per spec section 5's filesystem
// assumption.
func (h *WriteHandle) Commit() error {
	if err := h.f.Close(); err != nil {
		return errs.Wrap(errs.KindStoreIO, "close temp file", err)
	}
	if err := os.Rename(h.tmpPath, h.finalPath); err != nil {
		return errs.Wrap(errs.KindStoreIO, "commit write", err)
	}
	h.committed = true
	return nil
}

// Abort discards the temporary file without touching the final path.
func (h *WriteHandle) Abort() error {
	_ = h.f.Close()
	if h.committed {
		return nil
	}
	return os.Remove(h.tmpPath)
}

// OpenWrite creates relpath's parent directory and returns a handle that
// streams into a sibling temporary file.
func (s *LocalStore) OpenWrite(relpath string) (*WriteHandle, error) {
	final := s.path(relpath)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindStoreIO, "create parent dir", err)
	}
	tmp := final + ".tmp-" + randomSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreIO, "open temp file", err)
	}
	return &WriteHandle{f: f, finalPath: final, tmpPath: tmp, hash: sha256.New()}, nil
}

// Has reports whether relpath exists and, when expectations are given,
// matches them. A size or hash mismatch is treated as absent so that a
// corrupted artifact is re-fetched (spec section 8 invariant/S5).
func (s *LocalStore) Has(relpath string, expectedSize int64, expectedHash string) bool {
	full := s.path(relpath)
	info, err := os.Stat(full)
	if err != nil {
		return false
	}
	if expectedSize > 0 && info.Size() != expectedSize {
		return false
	}
	if expectedHash != "" {
		sum, err := hashFile(full)
		if err != nil || sum != expectedHash {
			return false
		}
	}
	return true
}

// Remove recursively and best-effort removes relpath.
func (s *LocalStore) Remove(relpath string) error {
	if err := os.RemoveAll(s.path(relpath)); err != nil {
		return errs.Wrap(errs.KindStoreIO, "remove "+relpath, err)
	}
	return nil
}

// WriteJSON atomically writes v as JSON to relpath.
func (s *LocalStore) WriteJSON(relpath string, v interface{}) error {
	h, err := s.OpenWrite(relpath)
	if err != nil {
		return err
	}
	if err := encodeJSON(h, v); err != nil {
		_ = h.Abort()
		return errs.Wrap(errs.KindStoreIO, "encode "+relpath, err)
	}
	return h.Commit()
}

// ReadJSON reads and decodes relpath into v.
func (s *LocalStore) ReadJSON(relpath string, v interface{}) error {
	f, err := os.Open(s.path(relpath))
	if err != nil {
		return err
	}
	defer f.Close()
	return decodeJSON(f, v)
}

// Open opens relpath for reading, for serving asset bytes.
func (s *LocalStore) Open(relpath string) (*os.File, error) {
	return os.Open(s.path(relpath))
}

// Stat stats relpath.
func (s *LocalStore) Stat(relpath string) (os.FileInfo, error) {
	return os.Stat(s.path(relpath))
}

// --- scanning --------------------------------------------------------------

// ListExtensions streams every extension whose latest.json is present and
// readable at the instant of scan, tolerating a concurrent writer removing
// or replacing entries mid-walk (spec section 4.1).
func (s *LocalStore) ListExtensions(ctx context.Context) iter.Seq[*Extension] {
	return func(yield func(*Extension) bool) {
		extRoot := s.path("extensions")
		entries, err := os.ReadDir(extRoot)
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn(ctx, "unable to list extensions dir", slog.Error(err))
			}
			return
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			if !entry.IsDir() {
				continue
			}
			var ext Extension
			if err := s.ReadJSON(s.ExtensionLatestPath(entry.Name()), &ext); err != nil {
				// latest.json missing or unreadable: the extension is either
				// mid-write or mid-removal. Either way it is not yet (or no
				// longer) visible, which is not an error for the walk.
				continue
			}
			if !yield(&ext) {
				return
			}
		}
	}
}

// ListBinaries streams every binary release whose latest.json is present
// and readable at the instant of scan, one release per
// (quality, platform) pair as currently pointed at.
func (s *LocalStore) ListBinaries(ctx context.Context) iter.Seq[*BinaryRelease] {
	return func(yield func(*BinaryRelease) bool) {
		binRoot := s.path("binaries")
		qualities, err := os.ReadDir(binRoot)
		if err != nil {
			return
		}
		for _, q := range qualities {
			if !q.IsDir() {
				continue
			}
			platforms, err := os.ReadDir(filepath.Join(binRoot, q.Name()))
			if err != nil {
				continue
			}
			for _, p := range platforms {
				if ctx.Err() != nil {
					return
				}
				if !p.IsDir() {
					continue
				}
				var rel BinaryRelease
				relpath := filepath.Join("binaries", q.Name(), p.Name(), "latest.json")
				if err := s.ReadJSON(relpath, &rel); err != nil {
					continue
				}
				if !yield(&rel) {
					return
				}
			}
		}
	}
}

// ExtensionVersionDirs lists the version directory names under an
// extension, in arbitrary order (callers sort with ByVersion).
func (s *LocalStore) ExtensionVersionDirs(identifier string) []string {
	entries, err := os.ReadDir(s.path(s.ExtensionDir(identifier)))
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs
}

// --- aggregate indices -------------------------------------------------------

// ReadRecommended reads recommended.json, returning an empty set if absent.
func (s *LocalStore) ReadRecommended() ([]string, error) {
	var ids []string
	err := s.ReadJSON(recommendedPath, &ids)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return ids, err
}

// ReadMalicious reads malicious.json, returning an empty set if absent.
func (s *LocalStore) ReadMalicious() ([]string, error) {
	var doc struct {
		Malicious []string `json:"malicious"`
	}
	err := s.ReadJSON(maliciousPath, &doc)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return doc.Malicious, err
}

// ReadSpecified reads the operator's specified.json allow list.
func (s *LocalStore) ReadSpecified() ([]string, error) {
	var doc struct {
		Extensions []string `json:"extensions"`
	}
	err := s.ReadJSON(specifiedPath, &doc)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return doc.Extensions, err
}

// WriteExtensionsIndex atomically rewrites the flat extensions.json list.
func (s *LocalStore) WriteExtensionsIndex(identifiers []string) error {
	return s.WriteJSON(extensionsIndexPath, identifiers)
}

// WriteRecommended atomically rewrites recommended.json.
func (s *LocalStore) WriteRecommended(identifiers []string) error {
	return s.WriteJSON(recommendedPath, identifiers)
}

func randomSuffix() string {
	var b [8]byte
	_, _ = io.ReadFull(rand.Reader, b[:])
	return hex.EncodeToString(b[:])
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func encodeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
