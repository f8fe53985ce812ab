package query

import "time"

// ExtensionResult is the wire shape of a single extension in a query
// response (IRawGalleryExtension in the upstream protocol). Carried from
// the teacher's database.Extension.
type ExtensionResult struct {
	ID               string            `json:"extensionId"`
	Name             string            `json:"extensionName"`
	DisplayName      string            `json:"displayName"`
	ShortDescription string            `json:"shortDescription"`
	Publisher        PublisherResult   `json:"publisher"`
	Versions         []VersionResult   `json:"versions"`
	Statistics       []StatisticResult `json:"statistics,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	ReleaseDate      time.Time         `json:"releaseDate"`
	PublishedDate    time.Time         `json:"publishedDate"`
	LastUpdated      time.Time         `json:"lastUpdated"`
	Categories       []string          `json:"categories,omitempty"`
	Flags            string            `json:"flags"`
}

// PublisherResult is IRawGalleryExtensionPublisher.
type PublisherResult struct {
	DisplayName   string `json:"displayName"`
	PublisherID   string `json:"publisherId"`
	PublisherName string `json:"publisherName"`
}

// VersionResult is IRawGalleryExtensionVersion.
type VersionResult struct {
	Version          string           `json:"version"`
	TargetPlatform   string           `json:"targetPlatform,omitempty"`
	LastUpdated      time.Time        `json:"lastUpdated"`
	AssetURI         string           `json:"assetUri,omitempty"`
	FallbackAssetURI string           `json:"fallbackAssetUri,omitempty"`
	Files            []FileResult     `json:"files,omitempty"`
	Properties       []PropertyResult `json:"properties,omitempty"`
}

// FileResult is IRawGalleryExtensionFile.
type FileResult struct {
	AssetType string `json:"assetType"`
	Source    string `json:"source"`
}

// PropertyResult is IRawGalleryExtensionProperty.
type PropertyResult struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// StatisticResult is IRawGalleryExtensionStatistics.
type StatisticResult struct {
	StatisticName string  `json:"statisticName"`
	Value         float64 `json:"value"`
}
