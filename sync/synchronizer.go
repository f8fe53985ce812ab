// Package sync implements the Synchronizer (spec component C5): the
// orchestrator that runs one pass of C2 (upstream) -> C3 (catalog) -> C4
// (download) -> C1 (store), then republishes the Query Engine's snapshot.
package sync

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"cdr.dev/slog"

	"github.com/coder/airgap-marketplace/catalog"
	"github.com/coder/airgap-marketplace/config"
	"github.com/coder/airgap-marketplace/download"
	"github.com/coder/airgap-marketplace/store"
	"github.com/coder/airgap-marketplace/upstream"
)

// Summary counts one RunOnce pass's outcome. Per spec section 4.5's
// failure semantics, a single work item's failure is isolated to itself
// and reported here; it never aborts the rest of the pass.
type Summary struct {
	Succeeded        int
	Failed           int
	Skipped          int
	BytesTransferred int64
	Errors           []error
}

func (s *Summary) absorb(results []download.Result) {
	for _, r := range results {
		if r.Err != nil {
			s.Failed++
			s.Errors = append(s.Errors, r.Err)
			continue
		}
		s.Succeeded++
		s.BytesTransferred += r.Size
	}
}

// Options configures a Synchronizer, following the teacher's api.Options
// pattern of a single constructor struct per subsystem.
type Options struct {
	Store    *store.LocalStore
	Client   *upstream.Client
	Index    *store.Index
	Config   *config.Config
	Logger   slog.Logger

	// ExtensionMode selects which of catalog's three extension-resolution
	// strategies a pass uses.
	ExtensionMode catalog.Mode

	// SkipBinaries/SkipExtensions narrow a pass to one half of the
	// catalog, per the CLI's --binaries-only/--extensions-only flags.
	SkipBinaries   bool
	SkipExtensions bool
}

// Synchronizer runs the eight-step pass of spec section 4.5. It holds no
// network or disk state of its own beyond what it was constructed with;
// RunOnce and RunLoop are the only entry points.
type Synchronizer struct {
	store    *store.LocalStore
	resolver *catalog.Resolver
	pool     *download.Pool
	index    *store.Index
	cfg      *config.Config
	logger   slog.Logger

	extMode        catalog.Mode
	skipBinaries   bool
	skipExtensions bool

	// inFlight guards "at most one pass running in this process" without a
	// mutex, per spec section 4.5's scheduling contract.
	inFlight atomic.Bool
	// trigger coalesces overlapping RunLoop ticks: size 1, non-blocking
	// send, so a tick that arrives while a pass is running is dropped
	// rather than queued.
	trigger chan struct{}
}

// New returns a Synchronizer built from opts.
func New(opts Options) *Synchronizer {
	return &Synchronizer{
		store:          opts.Store,
		resolver:       catalog.New(opts.Client, opts.Config),
		pool:           download.New(opts.Store, opts.Client, opts.Config, opts.Logger),
		index:          opts.Index,
		cfg:            opts.Config,
		logger:         opts.Logger,
		extMode:        opts.ExtensionMode,
		skipBinaries:   opts.SkipBinaries,
		skipExtensions: opts.SkipExtensions,
		trigger:        make(chan struct{}, 1),
	}
}

// RunOnce runs a single pass to completion. It returns an error only when
// the pass could not even start (e.g. every upstream endpoint unreachable
// during catalog resolution); per-item failures are reported in Summary
// instead.
func (s *Synchronizer) RunOnce(ctx context.Context) (Summary, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return Summary{}, fmt.Errorf("a sync pass is already running")
	}
	defer s.inFlight.Store(false)

	var summary Summary
	snap := store.BuildSnapshot(ctx, s.store)

	retain := catalog.RetainSet{}
	purge := catalog.PurgeSet{}
	recommended := []string(nil)
	recommendedResolved := false

	// Steps 1-3: binaries.
	if !s.skipBinaries {
		items, binRetain, binPurge, _, err := s.resolver.Resolve(ctx, catalog.ModeBinaries, s.store, snap)
		if err != nil {
			return summary, fmt.Errorf("resolve binaries: %w", err)
		}
		mergeSets(retain, binRetain)
		mergeSets(purge, binPurge)

		results, err := s.pool.Run(ctx, items)
		if err != nil {
			return summary, fmt.Errorf("download binaries: %w", err)
		}
		summary.absorb(results)
		s.publishBinaries(ctx, items, results)
	}

	// Steps 1-4: extensions.
	if !s.skipExtensions {
		items, extRetain, extPurge, extMeta, err := s.resolver.Resolve(ctx, s.extMode, s.store, snap)
		if err != nil {
			return summary, fmt.Errorf("resolve extensions: %w", err)
		}
		mergeSets(retain, extRetain)
		mergeSets(purge, extPurge)

		results, err := s.pool.Run(ctx, items)
		if err != nil {
			return summary, fmt.Errorf("download extensions: %w", err)
		}
		summary.absorb(results)
		s.publishExtensions(ctx, items, results, extMeta)

		if s.extMode == catalog.ModeExtensionsRecommended {
			recommendedResolved = true
			for identifier := range extRetain {
				recommended = append(recommended, identifier)
			}
			sort.Strings(recommended)
		}
	}

	// Step 5: retention.
	s.applyRetention(retain)

	// Step 6: purge the malicious list.
	for identifier := range purge {
		if err := s.store.RemoveExtension(identifier); err != nil {
			s.logger.Warn(ctx, "unable to purge extension", slog.F("extension", identifier), slog.Error(err))
		}
	}

	// Step 7: rewrite aggregate indices.
	if err := s.rewriteAggregateIndices(ctx, recommended, recommendedResolved); err != nil {
		s.logger.Warn(ctx, "unable to rewrite aggregate indices", slog.Error(err))
	}

	// Step 8: publish a fresh snapshot for the Query Engine.
	s.index.Publish(store.BuildSnapshot(ctx, s.store))

	s.logger.Info(ctx, "sync pass complete",
		slog.F("succeeded", summary.Succeeded),
		slog.F("failed", summary.Failed),
		slog.F("bytes", summary.BytesTransferred))
	return summary, nil
}

// RunLoop calls RunOnce on every tick of interval until ctx is cancelled,
// plus once immediately on entry. Overlapping ticks coalesce onto the
// size-1 trigger channel exactly as spec section 4.5's scheduling model
// describes: a tick that lands while a pass is in flight is dropped, not
// queued.
func (s *Synchronizer) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.fire()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.fire()
		case <-s.trigger:
			s.runTriggered(ctx)
			// Discard a tick the ticker held while the pass ran.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// Pool returns the download pool backing this Synchronizer, so a caller
// (the CLI) can render the most recently run stage's progress after a
// pass completes.
func (s *Synchronizer) Pool() *download.Pool { return s.pool }

// fire enqueues a pass without blocking the scheduling loop.
func (s *Synchronizer) fire() {
	select {
	case s.trigger <- struct{}{}:
	default:
		// A pass is already queued or running; this tick is coalesced away.
	}
}

func (s *Synchronizer) runTriggered(ctx context.Context) {
	summary, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error(ctx, "sync pass failed to start", slog.Error(err))
		return
	}
	if summary.Failed > 0 {
		s.logger.Warn(ctx, "sync pass completed with failures", slog.F("failed", summary.Failed))
	}
}

func mergeSets(dst, src map[string]bool) {
	for k, v := range src {
		dst[k] = dst[k] || v
	}
}

// publishBinaries assembles and atomically rewrites each successfully
// downloaded binary release's latest.json, per spec section 4.5 step 3.
func (s *Synchronizer) publishBinaries(ctx context.Context, items []catalog.WorkItem, results []download.Result) {
	for i, item := range items {
		if results[i].Err != nil {
			continue
		}
		rel := &store.BinaryRelease{
			Platform:  item.Platform,
			Quality:   item.Quality,
			Commit:    item.Commit,
			Version:   item.ReleaseVersion,
			URL:       item.SourceURL,
			Hash:      results[i].Hash,
			Size:      results[i].Size,
			Timestamp: touchTime(),
		}
		if err := s.store.PublishBinary(rel); err != nil {
			s.logger.Warn(ctx, "unable to publish binary release",
				slog.F("quality", item.Quality), slog.F("platform", item.Platform), slog.Error(err))
		}
	}
}

// versionAssets pairs a resolved Version with the Assets this pass
// downloaded for it, keyed by identifier+version in publishExtensions.
type versionAssets struct {
	version store.Version
	assets  []store.Asset
}

// deriveExtensionMetadata reads back the freshest VSIX asset this pass
// downloaded for identifier and parses its own extension.vsixmanifest,
// for the case where the marketplace query response never described this
// identifier at all. Returns ok=false if none of versions' assets include
// a VSIX package or the manifest can't be read.
func (s *Synchronizer) deriveExtensionMetadata(ctx context.Context, identifier string, versions map[string]*versionAssets) (store.Extension, bool) {
	keys := make([]store.Version, 0, len(versions))
	for _, va := range versions {
		keys = append(keys, va.version)
	}
	sort.Sort(store.ByVersion(keys))
	for _, k := range keys {
		va := versions[k.String()]
		for _, asset := range va.assets {
			if asset.Type != store.AssetTypeVSIX {
				continue
			}
			f, err := s.store.Open(asset.Path)
			if err != nil {
				continue
			}
			raw, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				continue
			}
			manifest, err := store.ReadVSIXManifest(raw)
			if err != nil {
				s.logger.Warn(ctx, "unable to derive extension metadata from vsix manifest",
					slog.F("extension", identifier), slog.Error(err))
				continue
			}
			return manifest.ToExtensionMetadata(), true
		}
	}
	return store.Extension{}, false
}

// publishExtensions groups successfully downloaded extension assets by
// identifier, assembles one Extension record per identifier out of its
// surviving versions, and atomically rewrites latest.json, per spec
// section 4.5 step 4. An identifier with no successful download this pass
// is not republished; its directory and any existing latest.json stay as
// they were, since retention removes only version directories and the
// purge step removes only malicious-listed extensions.
func (s *Synchronizer) publishExtensions(ctx context.Context, items []catalog.WorkItem, results []download.Result, meta catalog.MetadataSet) {
	byIdentifier := map[string]map[string]*versionAssets{}

	for i, item := range items {
		if item.Kind != catalog.KindExtensionAsset || results[i].Err != nil {
			continue
		}
		versions, ok := byIdentifier[item.Identifier]
		if !ok {
			versions = map[string]*versionAssets{}
			byIdentifier[item.Identifier] = versions
		}
		key := item.Version.String()
		va, ok := versions[key]
		if !ok {
			va = &versionAssets{version: item.Version}
			versions[key] = va
		}
		va.assets = append(va.assets, store.Asset{
			Type: item.AssetType,
			Path: results[i].Relpath,
			Size: results[i].Size,
			Hash: results[i].Hash,
		})
	}

	for identifier, versions := range byIdentifier {
		var ext store.Extension
		// Seed metadata from an existing record first, in case this pass
		// only resolved some of the extensions on disk (e.g. a
		// specified-list sync), then overlay whatever the resolver learned
		// from the marketplace this pass, which is always fresher.
		_ = s.store.ReadJSON(s.store.ExtensionLatestPath(identifier), &ext)
		ext.Identifier = identifier
		if m, ok := meta[identifier]; ok {
			m.Versions = ext.Versions
			ext = m
		} else if ext.DisplayName == "" {
			// The marketplace query response didn't describe this
			// identifier at all (a partial/paginated response, or a
			// specified-list sync of an extension the query never
			// covered) and nothing is on disk yet either. Fall back to
			// reading the extension's own VSIX manifest, the way the
			// teacher's database/nodb.go derives an Extension record
			// straight from an uploaded package when no gallery metadata
			// exists for it.
			if derived, ok := s.deriveExtensionMetadata(ctx, identifier, versions); ok {
				derived.Versions = ext.Versions
				ext = derived
			}
		}

		byVersion := map[string]store.ExtensionVersion{}
		for _, v := range ext.Versions {
			byVersion[v.Version.String()] = v
		}
		for key, va := range versions {
			byVersion[key] = store.ExtensionVersion{
				Version:    va.version,
				UploadedAt: touchTime(),
				Assets:     va.assets,
			}
		}
		ext.Versions = ext.Versions[:0]
		for _, v := range byVersion {
			ext.Versions = append(ext.Versions, v)
		}

		if err := s.store.PublishExtension(&ext); err != nil {
			s.logger.Warn(ctx, "unable to publish extension record",
				slog.F("extension", identifier), slog.Error(err))
		}
	}
}

// applyRetention enforces the newest-M-versions-per-extension and
// newest-K-builds-per-(quality,platform) rules of spec section 4.5 step 5,
// over every extension and binary currently on disk (not just the ones
// this pass touched), since retention is a standing invariant, not a
// side-effect of downloading.
func (s *Synchronizer) applyRetention(retain catalog.RetainSet) {
	for ext := range s.store.ListExtensions(context.Background()) {
		s.store.RetainExtensionVersions(ext.Identifier, s.cfg.RetainExtensionVersions, retain, s.logger)
	}

	byPair := map[[2]string][]*store.BinaryRelease{}
	for rel := range s.store.ListBinaries(context.Background()) {
		key := [2]string{string(rel.Quality), string(rel.Platform)}
		byPair[key] = append(byPair[key], rel)
	}
	for pair, releases := range byPair {
		s.store.RetainBinaries(store.Quality(pair[0]), store.Platform(pair[1]), s.cfg.RetainBinaryBuilds, releases, s.logger)
	}
}

// rewriteAggregateIndices rebuilds extensions.json from whatever
// extensions currently survive on disk, and, when this pass ran in
// ModeExtensionsRecommended (resolved is true), rewrites recommended.json
// to the identifiers that pass resolved — spec section 4.5 step 7's two
// indices. A pass in ModeExtensionsAll or ModeExtensionsSpecified leaves
// recommended.json untouched, since neither mode re-derives the
// recommended set.
func (s *Synchronizer) rewriteAggregateIndices(ctx context.Context, recommended []string, resolved bool) error {
	var identifiers []string
	for ext := range s.store.ListExtensions(ctx) {
		identifiers = append(identifiers, ext.Identifier)
	}
	if err := s.store.WriteExtensionsIndex(identifiers); err != nil {
		return err
	}
	if resolved {
		if err := s.store.WriteRecommended(recommended); err != nil {
			return err
		}
	}
	return nil
}

// touchTime is a small seam so tests can stamp deterministic timestamps.
var touchTime = time.Now
