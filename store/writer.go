package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"cdr.dev/slog"

	"github.com/coder/airgap-marketplace/errs"
)

// WriteExtensionAsset streams r into the given version's directory under
// relativeName (e.g. "extension.vsix" or a manifest-listed asset path),
// verifying the declared size once the stream is exhausted.
func (s *LocalStore) WriteExtensionAsset(identifier string, v Version, relativeName string, r io.Reader, declaredSize int64) (string, error) {
	relpath := filepath.Join(s.ExtensionVersionDir(identifier, v), relativeName)
	h, err := s.OpenWrite(relpath)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		_ = h.Abort()
		return "", errs.Wrap(errs.KindStoreIO, "stream asset", err)
	}
	if declaredSize > 0 && n != declaredSize {
		_ = h.Abort()
		return "", errs.New(errs.KindAssetIntegrityMismatch, "asset size mismatch")
	}
	sum := h.Sum()
	if err := h.Commit(); err != nil {
		return "", err
	}
	return sum, nil
}

// PublishExtension assembles the full Extension record (metadata plus all
// surviving versions) and atomically rewrites its latest.json. This is the
// step that makes an extension visible: spec section 4.1's atomicity
// contract requires every referenced version directory to already have all
// its assets committed before this call.
func (s *LocalStore) PublishExtension(ext *Extension) error {
	sort.Sort(extensionVersionsByVersion(ext.Versions))
	return s.WriteJSON(s.ExtensionLatestPath(ext.Identifier), ext)
}

type extensionVersionsByVersion []ExtensionVersion

func (v extensionVersionsByVersion) Len() int      { return len(v) }
func (v extensionVersionsByVersion) Swap(i, j int) { v[i], v[j] = v[j], v[i] }
func (v extensionVersionsByVersion) Less(i, j int) bool {
	return ByVersion{v[i].Version, v[j].Version}.Less(0, 1)
}

// RemoveExtension removes an extension's entire directory. Used for
// retention purges and the malicious-list purge step.
func (s *LocalStore) RemoveExtension(identifier string) error {
	return s.Remove(s.ExtensionDir(identifier))
}

// RemoveExtensionVersion removes a single version directory of an
// extension, used by retention to drop versions beyond the keep count.
func (s *LocalStore) RemoveExtensionVersion(identifier string, v Version) error {
	return s.Remove(s.ExtensionVersionDir(identifier, v))
}

// WriteBinaryAsset streams r into the release's directory, verifying the
// declared size.
func (s *LocalStore) WriteBinaryAsset(quality Quality, platform Platform, commit, filename string, r io.Reader, declaredSize int64) (string, error) {
	relpath := filepath.Join(s.BinaryDir(quality, platform, commit), filename)
	h, err := s.OpenWrite(relpath)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		_ = h.Abort()
		return "", errs.Wrap(errs.KindStoreIO, "stream binary", err)
	}
	if declaredSize > 0 && n != declaredSize {
		_ = h.Abort()
		return "", errs.New(errs.KindAssetIntegrityMismatch, "binary size mismatch")
	}
	sum := h.Sum()
	if err := h.Commit(); err != nil {
		return "", err
	}
	return sum, nil
}

// PublishBinary atomically rewrites a (quality, platform) pair's
// latest.json once a release's asset has been committed.
func (s *LocalStore) PublishBinary(rel *BinaryRelease) error {
	return s.WriteJSON(s.BinaryLatestPath(rel.Quality, rel.Platform), rel)
}

// RemoveBinary removes a single release's directory.
func (s *LocalStore) RemoveBinary(quality Quality, platform Platform, commit string) error {
	return s.Remove(s.BinaryDir(quality, platform, commit))
}

// RetainExtensionVersions keeps the newest `keep` versions of an extension
// plus any version whose string is present in the retain set, removing the
// rest. It returns the set of versions that survived, newest first.
func (s *LocalStore) RetainExtensionVersions(identifier string, keep int, retain map[string]bool, logger slog.Logger) []Version {
	dirs := s.ExtensionVersionDirsDeep(identifier)
	versions := make([]Version, 0, len(dirs))
	for _, d := range dirs {
		versions = append(versions, VersionFromString(d))
	}
	sort.Sort(ByVersion(versions))

	var kept, dropped []Version
	for i, v := range versions {
		if i < keep || retain[v.String()] {
			kept = append(kept, v)
		} else {
			dropped = append(dropped, v)
		}
	}
	for _, v := range dropped {
		if err := s.RemoveExtensionVersion(identifier, v); err != nil {
			logger.Warn(context.Background(), "unable to remove retired extension version",
				slog.F("extension", identifier), slog.F("version", v.String()), slog.Error(err))
		}
	}
	return kept
}

// ExtensionVersionDirsDeep lists version directory names, descending into a
// target-platform subdirectory when the top-level directory contains no
// asset files directly (i.e. it only contains target-platform
// subdirectories), and re-encoding them with Version.String()'s "@platform"
// suffix so retention and latest.json both speak the same identity.
func (s *LocalStore) ExtensionVersionDirsDeep(identifier string) []string {
	top := s.ExtensionVersionDirs(identifier)
	var out []string
	for _, semver := range top {
		full := filepath.Join(s.root, s.ExtensionDir(identifier), semver)
		entries, err := readDirNames(full)
		if err != nil {
			continue
		}
		sawPlatform := false
		for _, e := range entries {
			if isDir(filepath.Join(full, e)) {
				sawPlatform = true
				out = append(out, Version{Semver: semver, TargetPlatform: TargetPlatform(e)}.String())
			}
		}
		if !sawPlatform {
			out = append(out, semver)
		}
	}
	return out
}

func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// RetainBinaries keeps the newest `keep` builds per (quality, platform),
// removing the rest. Builds are ordered by Timestamp since commits have no
// semver.
func (s *LocalStore) RetainBinaries(quality Quality, platform Platform, keep int, all []*BinaryRelease, logger slog.Logger) []*BinaryRelease {
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if keep < 0 {
		keep = 0
	}
	if len(all) <= keep {
		return all
	}
	for _, rel := range all[keep:] {
		if err := s.RemoveBinary(rel.Quality, rel.Platform, rel.Commit); err != nil {
			logger.Warn(context.Background(), "unable to remove retired binary",
				slog.F("quality", rel.Quality), slog.F("platform", rel.Platform),
				slog.F("commit", rel.Commit), slog.Error(err))
		}
	}
	return all[:keep]
}

// touchTime is a small seam so tests can stamp deterministic timestamps;
// production code always uses time.Now.
var touchTime = time.Now
