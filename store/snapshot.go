package store

import (
	"context"
	"strings"
	"sync/atomic"
)

// Snapshot is an immutable in-memory reflection of the artifact store,
// loaded once and swapped atomically after each sync pass (spec section 3
// "Store Index", Design Notes section 9 "Shared mutable index"). It is an
// exact function of the on-disk contents at the moment it was built;
// readers holding a Snapshot see a consistent view even while a writer is
// rebuilding the next one.
type Snapshot struct {
	builtAt int64 // unix nanos, informational only

	byIdentifier map[string]*Extension // keyed by lowercased identifier
	byTag        map[string][]*Extension
	byCategory   map[string][]*Extension
	byPublisher  map[string][]*Extension
	all          []*Extension

	binaries map[string]*BinaryRelease // keyed by BinaryRelease.Identity()
}

// BuildSnapshot walks the store once and returns a fully indexed, immutable
// Snapshot.
func BuildSnapshot(ctx context.Context, s *LocalStore) *Snapshot {
	snap := &Snapshot{
		byIdentifier: map[string]*Extension{},
		byTag:        map[string][]*Extension{},
		byCategory:   map[string][]*Extension{},
		byPublisher:  map[string][]*Extension{},
		binaries:     map[string]*BinaryRelease{},
	}

	for ext := range s.ListExtensions(ctx) {
		snap.all = append(snap.all, ext)
		snap.byIdentifier[strings.ToLower(ext.Identifier)] = ext
		for _, tag := range ext.Tags {
			key := strings.ToLower(tag)
			snap.byTag[key] = append(snap.byTag[key], ext)
		}
		for _, cat := range ext.Categories {
			key := strings.ToLower(cat)
			snap.byCategory[key] = append(snap.byCategory[key], ext)
		}
		pub := strings.ToLower(ext.Publisher.Name)
		snap.byPublisher[pub] = append(snap.byPublisher[pub], ext)
	}

	for bin := range s.ListBinaries(ctx) {
		b := bin
		snap.binaries[b.Identity()] = b
	}

	return snap
}

// Extensions returns every extension in the snapshot, in no particular
// order; callers sort for presentation.
func (s *Snapshot) Extensions() []*Extension {
	return s.all
}

// ByIdentifier looks up an extension by its publisher.name identifier,
// case-insensitively, per spec section 3's case-insensitive identity.
func (s *Snapshot) ByIdentifier(identifier string) (*Extension, bool) {
	ext, ok := s.byIdentifier[strings.ToLower(identifier)]
	return ext, ok
}

// ByTag returns extensions tagged with the given value, case-insensitively.
func (s *Snapshot) ByTag(tag string) []*Extension {
	return s.byTag[strings.ToLower(tag)]
}

// ByCategory returns extensions in the given category, case-insensitively.
func (s *Snapshot) ByCategory(category string) []*Extension {
	return s.byCategory[strings.ToLower(category)]
}

// ByPublisher returns extensions published by the given publisher name,
// case-insensitively.
func (s *Snapshot) ByPublisher(publisher string) []*Extension {
	return s.byPublisher[strings.ToLower(publisher)]
}

// Binary looks up a binary release by (quality, platform, commit).
func (s *Snapshot) Binary(quality Quality, platform Platform, commit string) (*BinaryRelease, bool) {
	b := BinaryRelease{Quality: quality, Platform: platform, Commit: commit}
	rel, ok := s.binaries[b.Identity()]
	return rel, ok
}

// LatestBinary returns the release currently pointed at for a
// (quality, platform) pair.
func (s *Snapshot) LatestBinary(quality Quality, platform Platform) (*BinaryRelease, bool) {
	for _, rel := range s.binaries {
		if rel.Quality == quality && rel.Platform == platform {
			return rel, true
		}
	}
	return nil, false
}

// Index holds the currently published Snapshot behind an atomic pointer so
// readers never block on a rebuild in progress (Design Notes section 9).
type Index struct {
	ptr atomic.Pointer[Snapshot]
}

// NewIndex returns an Index with no snapshot published yet.
func NewIndex() *Index {
	return &Index{}
}

// Publish atomically swaps in a new snapshot. Readers that already hold the
// previous snapshot keep using it until they release it; there is nothing
// to release explicitly since a Snapshot is immutable and garbage collected
// once unreferenced.
func (i *Index) Publish(snap *Snapshot) {
	i.ptr.Store(snap)
}

// Current returns the currently published snapshot, or nil if none has been
// published yet.
func (i *Index) Current() *Snapshot {
	return i.ptr.Load()
}
