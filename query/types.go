// Package query implements the Query Engine (spec component C6): it owns a
// *store.Snapshot and answers marketplace-protocol queries, update checks,
// and single-extension lookups against it. The filter/flag wire types
// defined here are carried from the teacher's database package, since both
// the upstream marketplace and this mirror's own Gallery API speak the same
// protocol (spec section 4.6).
package query

// FilterType is the marketplace query protocol's filter discriminator.
// Values and numbering carried from the teacher's database.FilterType,
// which in turn mirrors the upstream editor's own enum.
type FilterType int

const (
	FilterTag              FilterType = 1
	FilterExtensionID      FilterType = 4
	FilterCategory         FilterType = 5
	FilterExtensionName    FilterType = 7
	FilterTarget           FilterType = 8
	FilterFeatured         FilterType = 9
	FilterSearchText       FilterType = 10
	FilterExcludeWithFlags FilterType = 12
)

// Flag is the bitset gating which sub-objects a query response populates.
// Carried from the teacher's database.Flag.
type Flag int

const (
	FlagNone                       Flag = 0x0
	FlagIncludeVersions            Flag = 0x1
	FlagIncludeFiles               Flag = 0x2
	FlagIncludeCategoryAndTags     Flag = 0x4
	FlagIncludeSharedAccounts      Flag = 0x8
	FlagIncludeVersionProperties   Flag = 0x10
	FlagExcludeNonValidated        Flag = 0x20
	FlagIncludeInstallationTargets Flag = 0x40
	FlagIncludeAssetURI            Flag = 0x80
	FlagIncludeStatistics          Flag = 0x100
	FlagIncludeLatestVersionOnly   Flag = 0x200
	FlagUnpublished                Flag = 0x1000
)

// SortBy mirrors the upstream protocol's sort key enum. The query engine
// honours NoneOrRelevance, PublisherName and InstallCount; every other value
// sorts by extension name.
type SortBy int

const (
	SortNoneOrRelevance SortBy = 0
	SortLastUpdatedDate SortBy = 1
	SortTitle           SortBy = 2
	SortPublisherName   SortBy = 3
	SortInstallCount    SortBy = 4
	SortPublishedDate   SortBy = 5
	SortAverageRating   SortBy = 6
	SortWeightedRating  SortBy = 12
)

// SortOrder mirrors the upstream protocol's sort direction.
type SortOrder int

const (
	OrderDefault    SortOrder = 0
	OrderAscending  SortOrder = 1
	OrderDescending SortOrder = 2
)

// Criteria is a single (filterType, value) clause.
type Criteria struct {
	Type  FilterType `json:"filterType"`
	Value string     `json:"value"`
}

// Filter is one entry of a query's filters array: an OR of its criteria.
// Target and ExcludeWithFlags are the AND exceptions, per spec section
// 4.6: Target gates the whole filter on a match, ExcludeWithFlags drops an
// extension regardless of what else matched.
type Filter struct {
	Criteria   []Criteria `json:"criteria"`
	PageNumber int        `json:"pageNumber"`
	PageSize   int        `json:"pageSize"`
	SortBy     SortBy     `json:"sortBy"`
	SortOrder  SortOrder  `json:"sortOrder"`
}

// Request is the body of a POST to /extensionquery.
type Request struct {
	Filters []Filter `json:"filters"`
	Flags   Flag     `json:"flags"`
}
