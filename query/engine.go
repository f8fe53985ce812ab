package query

import (
	"context"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"cdr.dev/slog"

	"github.com/coder/airgap-marketplace/store"
)

// Engine answers marketplace queries, asset-URI lookups, and update checks
// against the currently published *store.Snapshot. It never touches disk
// directly; store.BuildSnapshot is the only thing that reads the artifact
// root. Grounded on the teacher's database.NoDB, which read storage directly
// on every call — here that per-call walk is replaced by a snapshot read, so
// a query's cost no longer depends on artifact-root size.
type Engine struct {
	idx    *store.Index
	logger slog.Logger
}

// NewEngine returns an Engine reading from idx's currently published
// snapshot.
func NewEngine(idx *store.Index, logger slog.Logger) *Engine {
	return &Engine{idx: idx, logger: logger}
}

// Snapshot returns the currently published snapshot, or nil before the
// first sync pass completes. Exposed for api's asset-streaming handler,
// which needs the raw *store.Extension/*store.BinaryRelease records rather
// than Search/GetExtension's rendered wire shapes.
func (e *Engine) Snapshot() *store.Snapshot {
	return e.idx.Current()
}

// scored pairs an extension with its match distances, carried from the
// teacher's noDBExtension (lower distance is a closer match; nil means the
// filter didn't rank it, e.g. a plain tag/category lookup).
type scored struct {
	ext       *store.Extension
	distances []int
}

// Search evaluates a single Filter against the current snapshot, returning
// the matching extensions (sorted, paginated, and flag-shaped per req) and
// the total match count before pagination.
func (e *Engine) Search(ctx context.Context, filter Filter, flags Flag, baseURL url.URL) ([]ExtensionResult, int, error) {
	snap := e.idx.Current()
	if snap == nil {
		return nil, 0, nil
	}

	if !targetAllowed(filter) {
		return nil, 0, nil
	}
	candidates := snap.Extensions()

	matches := make([]scored, 0, len(candidates))
	for _, ext := range candidates {
		ok, distances := matchExtension(ext, filter)
		if ok {
			matches = append(matches, scored{ext: ext, distances: distances})
		}
	}

	total := len(matches)
	sortMatches(matches, filter)
	matches = paginate(matches, filter)

	results := make([]ExtensionResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, e.render(m.ext, flags, baseURL))
	}
	return results, total, nil
}

// GetExtension looks up a single extension by its publisher.name identifier,
// rendering it the same way a query result would with the given flags.
func (e *Engine) GetExtension(ctx context.Context, identifier string, flags Flag, baseURL url.URL) (ExtensionResult, bool) {
	snap := e.idx.Current()
	if snap == nil {
		return ExtensionResult{}, false
	}
	ext, ok := snap.ByIdentifier(identifier)
	if !ok {
		return ExtensionResult{}, false
	}
	return e.render(ext, flags, baseURL), true
}

// UpdateCheck answers the editor's "is there a newer build" probe (spec
// section 4.6's update-check operation, which the teacher never implemented
// since it only mirrored the extension gallery and not the binary channel).
// It returns the latest release for (quality, platform) and true when its
// commit differs from the caller's, or ok=false when the store has nothing
// published for that (quality, platform) pair at all.
func (e *Engine) UpdateCheck(ctx context.Context, quality store.Quality, platform store.Platform, commit string) (rel *store.BinaryRelease, hasUpdate bool, ok bool) {
	snap := e.idx.Current()
	if snap == nil {
		return nil, false, false
	}
	latest, ok := snap.LatestBinary(quality, platform)
	if !ok {
		return nil, false, false
	}
	return latest, latest.Commit != commit, true
}

// targetAllowed mirrors the teacher's Target-is-AND short circuit: a
// non-"Microsoft.VisualStudio.Code" target value rejects every extension
// outright, before any OR criteria get a chance to match.
func targetAllowed(filter Filter) bool {
	for _, c := range filter.Criteria {
		if c.Type == FilterTarget && c.Value != "Microsoft.VisualStudio.Code" {
			return false
		}
	}
	return true
}

// matchExtension evaluates every criteria of filter against ext, ORing
// criteria results together (Target excepted, handled by targetAllowed
// before this is called). Ported near line-for-line from the teacher's
// getMatches, generalized from a manifest-derived noDBExtension to a
// persisted store.Extension.
func matchExtension(ext *store.Extension, filter Filter) (bool, []int) {
	for _, c := range filter.Criteria {
		if c.Type == FilterExcludeWithFlags && extensionExcluded(ext, c.Value) {
			return false, nil
		}
	}

	var (
		tried     bool
		hasTarget bool
		distances []int
	)
	match := func(matched bool) {
		tried = true
		if matched {
			distances = append(distances, 0)
		}
	}
	for _, c := range filter.Criteria {
		switch c.Type {
		case FilterTag:
			match(containsFold(ext.Tags, c.Value))
		case FilterExtensionID:
			match(strings.EqualFold(ext.Identifier, c.Value))
		case FilterCategory:
			match(containsFold(ext.Categories, c.Value))
		case FilterExtensionName:
			match(strings.EqualFold(ext.Identifier, c.Value))
		case FilterTarget:
			// targetAllowed already rejected the whole filter if this
			// doesn't match; reaching here means it did.
			hasTarget = true
		case FilterFeatured:
			match(false)
		case FilterExcludeWithFlags:
			// Handled as a hard exclusion before this loop runs; it never
			// contributes an OR'd match on its own.
		case FilterSearchText:
			tried = true
			tokens := strings.FieldsFunc(c.Value, func(r rune) bool {
				return r == ' ' || r == ',' || r == '.'
			})
			var searchTokens []string
			for _, token := range tokens {
				parts := strings.SplitN(token, ":", 2)
				if len(parts) == 2 && parts[0] == "publisher" {
					match(strings.EqualFold(ext.Publisher.Name, strings.Trim(parts[1], "\"")))
				} else if token != "" {
					searchTokens = append(searchTokens, token)
				}
			}
			candidates := []string{identifierName(ext.Identifier), ext.Publisher.Name, ext.ShortDescription, ext.DisplayName}
			var allMatches fuzzy.Ranks
			for _, token := range searchTokens {
				found := fuzzy.RankFindFold(token, candidates)
				if len(found) == 0 {
					allMatches = nil
					break
				}
				allMatches = append(allMatches, found...)
			}
			for _, m := range allMatches {
				distances = append(distances, m.Distance)
			}
		}
	}
	if !tried && hasTarget {
		return true, nil
	}
	sort.Ints(distances)
	return len(distances) > 0, distances
}

// identifierName returns the bare extension name ("widgets" out of
// "acme.widgets") for search-candidate purposes.
func identifierName(identifier string) string {
	_, name, ok := strings.Cut(identifier, ".")
	if !ok {
		return identifier
	}
	return name
}

// extensionExcluded reports whether ext should be dropped because of a
// FilterExcludeWithFlags criterion, whose value is a decimal Flag bitmask.
// store.Extension only carries the "unpublished" flag out of the gallery
// protocol's exclude-able set (parsed from a VSIX's GalleryFlags), so that
// is the only bit this honors; any other bit in the mask is a no-op.
func extensionExcluded(ext *store.Extension, rawMask string) bool {
	mask, err := strconv.Atoi(rawMask)
	if err != nil {
		return false
	}
	if Flag(mask)&FlagUnpublished == 0 {
		return false
	}
	return containsFold(ext.Flags, "unpublished")
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

// sortMatches orders matches in place per filter.SortBy/SortOrder, carried
// from the teacher's sortExtensions. Relevance (distance), publisher name and
// install count (highest first) are honoured; the remaining SortBy values
// fall back to extension-name order.
func sortMatches(matches []scored, filter Filter) {
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		var less bool
	outer:
		switch filter.SortBy {
		case SortPublisherName:
			if a.ext.Publisher.Name != b.ext.Publisher.Name {
				less = a.ext.Publisher.Name < b.ext.Publisher.Name
			} else {
				less = identifierName(a.ext.Identifier) < identifierName(b.ext.Identifier)
			}
		case SortInstallCount:
			if a.ext.InstallCount != b.ext.InstallCount {
				less = a.ext.InstallCount > b.ext.InstallCount
			} else {
				less = identifierName(a.ext.Identifier) < identifierName(b.ext.Identifier)
			}
		case SortNoneOrRelevance:
			blen := len(b.distances)
			for k := range a.distances {
				if k >= blen {
					less = true
					break outer
				} else if a.distances[k] < b.distances[k] {
					less = true
					break outer
				} else if a.distances[k] > b.distances[k] {
					break outer
				}
			}
			if len(a.distances) < blen {
				break outer
			}
			less = identifierName(a.ext.Identifier) < identifierName(b.ext.Identifier)
		default:
			less = identifierName(a.ext.Identifier) < identifierName(b.ext.Identifier)
		}
		if filter.SortOrder == OrderAscending {
			return !less
		}
		return less
	})
}

// paginate carries the teacher's paginateExtensions verbatim: page 1-indexed,
// defaulting to page 1 / size 50, clamped to the slice length.
func paginate(matches []scored, filter Filter) []scored {
	page := filter.PageNumber
	if page <= 0 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 50
	}
	start := (page - 1) * size
	length := len(matches)
	if start > length {
		start = length
	}
	end := start + size
	if end > length {
		end = length
	}
	return matches[start:end]
}

// render shapes a store.Extension into the wire-protocol ExtensionResult,
// carried from the teacher's handleFlags/getVersions but reading version
// assets out of the already-loaded snapshot instead of re-parsing a
// VSIXManifest per version.
func (e *Engine) render(ext *store.Extension, flags Flag, baseURL url.URL) ExtensionResult {
	result := ExtensionResult{
		ID:               ext.Identifier,
		Name:             identifierName(ext.Identifier),
		DisplayName:      ext.DisplayName,
		ShortDescription: ext.ShortDescription,
		Publisher: PublisherResult{
			DisplayName:   ext.Publisher.DisplayName,
			PublisherID:   ext.Publisher.Name,
			PublisherName: ext.Publisher.Name,
		},
		Flags: strings.Join(ext.Flags, " "),
	}

	if flags&FlagIncludeCategoryAndTags != 0 {
		result.Categories = ext.Categories
		result.Tags = ext.Tags
	}

	if flags&FlagIncludeStatistics != 0 {
		result.Statistics = []StatisticResult{
			{StatisticName: "install", Value: float64(ext.InstallCount)},
			{StatisticName: "averagerating", Value: float64(ext.Rating)},
			{StatisticName: "ratingcount", Value: float64(ext.RatingCount)},
		}
	}

	versions := ext.Versions
	if len(versions) > 0 {
		result.ReleaseDate = versions[len(versions)-1].UploadedAt
		result.PublishedDate = versions[len(versions)-1].UploadedAt
		result.LastUpdated = versions[0].UploadedAt
	}

	wantVersions := flags&FlagIncludeVersions != 0 ||
		flags&FlagIncludeFiles != 0 ||
		flags&FlagIncludeVersionProperties != 0 ||
		flags&FlagIncludeLatestVersionOnly != 0 ||
		flags&FlagIncludeAssetURI != 0
	if wantVersions {
		if flags&FlagIncludeLatestVersionOnly != 0 {
			if v, ok := ext.Latest(false); ok {
				versions = []store.ExtensionVersion{v}
			} else {
				versions = nil
			}
		}
		for _, v := range versions {
			result.Versions = append(result.Versions, e.renderVersion(ext, v, flags, baseURL))
		}
	}

	return result
}

func (e *Engine) renderVersion(ext *store.Extension, v store.ExtensionVersion, flags Flag, baseURL url.URL) VersionResult {
	vr := VersionResult{
		Version:        v.Semver,
		TargetPlatform: string(v.TargetPlatform),
		LastUpdated:    v.UploadedAt,
	}

	if flags&FlagIncludeFiles != 0 {
		fileBase := (&url.URL{
			Scheme: baseURL.Scheme,
			Host:   baseURL.Host,
			Path:   path.Join(baseURL.Path, "assets", ext.Publisher.Name, identifierName(ext.Identifier), v.String()),
		}).String()
		for _, asset := range v.Assets {
			vr.Files = append(vr.Files, FileResult{
				AssetType: string(asset.Type),
				Source:    fileBase + "/" + string(asset.Type),
			})
		}
	}

	if flags&FlagIncludeVersionProperties != 0 {
		vr.Properties = []PropertyResult{
			{Key: "Microsoft.VisualStudio.Code.Engine", Value: v.EngineVersion},
			{Key: "Microsoft.VisualStudio.Code.PreRelease", Value: boolStr(v.PreRelease)},
		}
	}

	if flags&FlagIncludeAssetURI != 0 {
		assetURI := (&url.URL{
			Scheme: baseURL.Scheme,
			Host:   baseURL.Host,
			Path:   path.Join(baseURL.Path, "assets", ext.Publisher.Name, identifierName(ext.Identifier), v.String()),
		}).String()
		vr.AssetURI = assetURI
		vr.FallbackAssetURI = assetURI
	}

	return vr
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
