// Package catalog implements the Catalog Resolver (spec component C3): it
// turns a sync mode plus the upstream catalogs into a concrete work set the
// download pool can execute, along with the retain and purge sets the
// synchronizer applies afterward.
package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/coder/airgap-marketplace/config"
	"github.com/coder/airgap-marketplace/query"
	"github.com/coder/airgap-marketplace/store"
	"github.com/coder/airgap-marketplace/upstream"
)

// Mode selects which of the four resolution strategies Resolve runs.
type Mode int

const (
	ModeBinaries Mode = iota
	ModeExtensionsAll
	ModeExtensionsRecommended
	ModeExtensionsSpecified
)

// Kind discriminates a WorkItem's destination shape.
type Kind int

const (
	KindBinaryAsset Kind = iota
	KindExtensionAsset
)

// WorkItem is one artifact the download pool must fetch and commit.
type WorkItem struct {
	Kind Kind

	// Identifier is the extension's publisher.name, empty for binary items.
	Identifier string
	// Version is the extension version this asset belongs to, zero value
	// for binary items.
	Version store.Version
	// AssetType names the specific file within the version/release (vsix,
	// icon, manifest, or a binary's platform archive filename).
	AssetType store.AssetType

	// Quality/Platform/Commit identify a binary release; empty for
	// extension items.
	Quality        store.Quality
	Platform       store.Platform
	Commit         string
	ReleaseVersion string

	SourceURL    string
	DestRelpath  string
	DeclaredSize int64
	DeclaredHash string

	PreRelease bool
}

// RetainSet is the set of identities (extension identifiers, or binary
// release identities per store.BinaryRelease.Identity) that retention must
// not remove even if they fall outside the newest-N window, per spec
// section 4.3's tie-break rules.
type RetainSet map[string]bool

// MetadataSet carries the marketplace-reported identity fields (display
// name, description, publisher, tags, categories, flags) for every
// extension a resolve pass touched, keyed by identifier. The synchronizer
// merges these into the Extension record it publishes so search results
// carry real metadata instead of the zero value, since WorkItem itself is
// per-asset and has no room for extension-level fields.
type MetadataSet map[string]store.Extension

// PurgeSet is the set of extension identifiers retention must actively
// remove. Resolve adds only identifiers on the malicious list; an extension
// on disk that no resolved mode reaches anymore is not added.
type PurgeSet map[string]bool

// Resolver wraps an upstream.Client and config.Config to turn a Mode into a
// work/retain/purge set against a given store.Snapshot.
type Resolver struct {
	client *upstream.Client
	cfg    *config.Config
}

// New returns a Resolver for the given upstream client and configuration.
func New(client *upstream.Client, cfg *config.Config) *Resolver {
	return &Resolver{client: client, cfg: cfg}
}

// Resolve runs mode against s/snap, returning the work set the download
// pool must execute, the retain set retention must honor, and the purge set
// retention must enforce. s provides the malicious and operator-specified
// lists, which live on disk rather than in the snapshot's extension index.
func (r *Resolver) Resolve(ctx context.Context, mode Mode, s *store.LocalStore, snap *store.Snapshot) ([]WorkItem, RetainSet, PurgeSet, MetadataSet, error) {
	switch mode {
	case ModeBinaries:
		items, retain, purge, err := r.resolveBinaries(ctx, snap)
		return items, retain, purge, MetadataSet{}, err
	case ModeExtensionsAll:
		return r.resolveExtensionsAll(ctx, s)
	case ModeExtensionsRecommended:
		return r.resolveExtensionsRecommended(ctx, s)
	case ModeExtensionsSpecified:
		return r.resolveExtensionsSpecified(ctx, s)
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown catalog mode %d", mode)
	}
}

// resolveBinaries produces a work item for each (quality, platform) pair
// the operator enabled whose upstream commit differs from what the store
// already has.
func (r *Resolver) resolveBinaries(ctx context.Context, snap *store.Snapshot) ([]WorkItem, RetainSet, PurgeSet, error) {
	var items []WorkItem
	retain := RetainSet{}

	for _, quality := range r.cfg.QualitiesEnabled {
		manifest, err := r.client.FetchReleaseManifest(ctx, store.Quality(quality))
		if err != nil {
			return nil, nil, nil, err
		}
		for _, platformStr := range r.cfg.PlatformsEnabled {
			platform := store.Platform(platformStr)
			sourceURL, ok := manifest.Platforms[platform]
			if !ok {
				continue
			}
			rel := store.BinaryRelease{
				Quality:  store.Quality(quality),
				Platform: platform,
				Commit:   manifest.Commit,
			}
			retain[rel.Identity()] = true

			if existing, ok := snap.Binary(store.Quality(quality), platform, manifest.Commit); ok && existing.URL == sourceURL {
				continue
			}

			items = append(items, WorkItem{
				Kind:           KindBinaryAsset,
				Quality:        store.Quality(quality),
				Platform:       platform,
				Commit:         manifest.Commit,
				ReleaseVersion: manifest.Version,
				SourceURL:      sourceURL,
				DestRelpath:    "", // download.Pool derives the final path from Quality/Platform/Commit.
			})
		}
	}
	return items, retain, PurgeSet{}, nil
}

// resolveExtensionsAll walks the full marketplace, a page at a time, and
// produces work items for the newest N versions of every extension.
func (r *Resolver) resolveExtensionsAll(ctx context.Context, s *store.LocalStore) ([]WorkItem, RetainSet, PurgeSet, MetadataSet, error) {
	malicious, err := malSet(s)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	var items []WorkItem
	retain := RetainSet{}
	purge := PurgeSet{}
	meta := MetadataSet{}

	const pageSize = 50
	page := 1
	for {
		result, err := r.client.QueryMarketplace(ctx, query.Filter{
			Criteria: []query.Criteria{{Type: query.FilterTarget, Value: "Microsoft.VisualStudio.Code"}},
		}, query.FlagIncludeVersions|query.FlagIncludeFiles, page, pageSize)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		for _, ext := range result.Extensions {
			identifier := ext.ExtensionID
			if malicious[identifier] {
				purge[identifier] = true
				continue
			}
			extItems := r.resolveExtensionVersions(ext, r.cfg.NewestVersionsPerExtension)
			items = append(items, extItems...)
			retain[identifier] = true
			meta[identifier] = extensionMetadata(ext)
		}
		if page*pageSize >= result.TotalCount || len(result.Extensions) == 0 {
			break
		}
		page++
	}
	return items, retain, purge, meta, nil
}

// resolveExtensionsRecommended unions upstream recommendation groups, the
// operator's specified.json allow list, and (when configured) a top-K
// marketplace slice.
func (r *Resolver) resolveExtensionsRecommended(ctx context.Context, s *store.LocalStore) ([]WorkItem, RetainSet, PurgeSet, MetadataSet, error) {
	malicious, err := malSet(s)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	identifiers := map[string]bool{}

	recommended, err := r.client.FetchRecommendations(ctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	for _, id := range recommended {
		identifiers[id] = true
	}

	specified, err := s.ReadSpecified()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	for _, id := range specified {
		identifiers[id] = true
	}

	if r.cfg.TotalRecommended > 0 {
		topK, err := r.client.QueryMarketplace(ctx, query.Filter{
			Criteria: []query.Criteria{{Type: query.FilterTarget, Value: "Microsoft.VisualStudio.Code"}},
			SortBy:   query.SortInstallCount,
		}, query.FlagNone, 1, r.cfg.TotalRecommended)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		for _, ext := range topK.Extensions {
			identifiers[ext.ExtensionID] = true
		}
	}

	return r.resolveIdentifiers(ctx, identifiers, malicious)
}

// resolveExtensionsSpecified resolves strictly the operator's specified.json
// allow list.
func (r *Resolver) resolveExtensionsSpecified(ctx context.Context, s *store.LocalStore) ([]WorkItem, RetainSet, PurgeSet, MetadataSet, error) {
	malicious, err := malSet(s)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	specified, err := s.ReadSpecified()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	identifiers := map[string]bool{}
	for _, id := range specified {
		identifiers[id] = true
	}
	return r.resolveIdentifiers(ctx, identifiers, malicious)
}

// resolveIdentifiers looks up each identifier in the marketplace by
// ExtensionID and produces work items for its newest versions, skipping
// anything on the malicious list. An identifier the marketplace query no
// longer returns is skipped without an error and without a log entry: this
// package has no logger, and the skipped identifiers are not returned to
// the caller.
func (r *Resolver) resolveIdentifiers(ctx context.Context, identifiers map[string]bool, malicious map[string]bool) ([]WorkItem, RetainSet, PurgeSet, MetadataSet, error) {
	var items []WorkItem
	retain := RetainSet{}
	purge := PurgeSet{}
	meta := MetadataSet{}

	for identifier := range identifiers {
		if malicious[identifier] {
			purge[identifier] = true
			continue
		}
		result, err := r.client.QueryMarketplace(ctx, query.Filter{
			Criteria: []query.Criteria{{Type: query.FilterExtensionID, Value: identifier}},
		}, query.FlagIncludeVersions|query.FlagIncludeFiles, 1, 1)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if len(result.Extensions) == 0 {
			// Stale reference: soft failure, not propagated as an error.
			continue
		}
		ext := result.Extensions[0]
		items = append(items, r.resolveExtensionVersions(ext, r.cfg.NewestVersionsPerExtension)...)
		retain[identifier] = true
		meta[identifier] = extensionMetadata(ext)
	}
	return items, retain, purge, meta, nil
}

// extensionMetadata lifts the marketplace identity fields of ext into a
// store.Extension shell (no Versions set — the synchronizer merges those in
// separately from the downloaded assets).
func extensionMetadata(ext upstream.Extension) store.Extension {
	out := store.Extension{
		Identifier:       ext.ExtensionID,
		DisplayName:      ext.DisplayName,
		ShortDescription: ext.ShortDescription,
		Publisher: store.Publisher{
			Name:        ext.Publisher.PublisherName,
			DisplayName: ext.Publisher.DisplayName,
		},
		Tags:       ext.Tags,
		Categories: ext.Categories,
		Flags:      splitFlags(ext.Flags),
	}
	for _, stat := range ext.Statistics {
		switch stat.StatisticName {
		case "install":
			out.InstallCount = int64(stat.Value)
		case "averagerating":
			out.Rating = float32(stat.Value)
		case "ratingcount":
			out.RatingCount = int64(stat.Value)
		}
	}
	return out
}

func splitFlags(flags string) []string {
	if flags == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(flags, " ") {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// resolveExtensionVersions turns an upstream.Extension's version list into
// work items for its newest `keep` versions (stable and pre-release tracked
// separately, pre-release only included when configured).
func (r *Resolver) resolveExtensionVersions(ext upstream.Extension, keep int) []WorkItem {
	if keep <= 0 {
		keep = 1
	}

	var stable, preRelease []upstream.Version
	for _, v := range ext.Versions {
		if isPreRelease(v) {
			preRelease = append(preRelease, v)
		} else {
			stable = append(stable, v)
		}
	}

	var chosen []upstream.Version
	chosen = append(chosen, truncate(stable, keep)...)
	if r.cfg.IncludePreRelease {
		chosen = append(chosen, truncate(preRelease, keep)...)
	}

	var items []WorkItem
	for _, v := range chosen {
		version := store.Version{Semver: v.Version, TargetPlatform: store.TargetPlatform(v.TargetPlatform)}
		for _, f := range v.Files {
			assetType := store.AssetType(f.AssetType)
			items = append(items, WorkItem{
				Kind:         KindExtensionAsset,
				Identifier:   ext.ExtensionID,
				Version:      version,
				AssetType:    assetType,
				SourceURL:    f.Source,
				PreRelease:   isPreRelease(v),
			})
		}
	}
	return items
}

func truncate(vs []upstream.Version, n int) []upstream.Version {
	if len(vs) <= n {
		return vs
	}
	return vs[:n]
}

// isPreRelease inspects the version's declared properties the way the
// marketplace encodes pre-release, since upstream.Version has no dedicated
// field for it.
func isPreRelease(v upstream.Version) bool {
	for _, p := range v.Properties {
		if p.Key == "Microsoft.VisualStudio.Code.PreRelease" && p.Value == "true" {
			return true
		}
	}
	return false
}

func malSet(s *store.LocalStore) (map[string]bool, error) {
	identifiers, err := s.ReadMalicious()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(identifiers))
	for _, id := range identifiers {
		set[id] = true
	}
	return set, nil
}
