// Package upstream wraps the editor vendor's release-manifest endpoint and
// the marketplace's query/recommendations/asset endpoints behind a single
// stateless client. It is the only package that speaks to the outside
// network; everything downstream of it (catalog, download, sync) treats its
// return values as already-decoded Go values.
package upstream

import (
	"encoding/json"
	"time"

	"github.com/coder/airgap-marketplace/store"
)

// ReleaseManifest is the decoded response of fetchReleaseManifest: one
// commit/version pair plus the download URL for each platform the vendor
// published a build for.
type ReleaseManifest struct {
	Quality   store.Quality
	Commit    string
	Version   string
	Platforms map[store.Platform]string
}

// Publisher is the publisher block of a marketplace query response
// extension, named to match the wire field names so json tags need no
// translation layer.
type Publisher struct {
	PublisherID   string `json:"publisherId"`
	PublisherName string `json:"publisherName"`
	DisplayName   string `json:"displayName"`
}

// File is one addressable asset of a marketplace extension version.
type File struct {
	AssetType string `json:"assetType"`
	Source    string `json:"source"`
}

// Property is one key/value metadata pair of a marketplace extension
// version (engine version, pre-release flag, and others the vendor adds
// over time).
type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Statistic is one named metric of a marketplace extension (install count,
// rating, and so on).
type Statistic struct {
	StatisticName string  `json:"statisticName"`
	Value         float64 `json:"value"`
}

// Version is one version of a marketplace query response extension.
type Version struct {
	Version          string     `json:"version"`
	TargetPlatform   string     `json:"targetPlatform,omitempty"`
	LastUpdated      time.Time  `json:"lastUpdated"`
	AssetURI         string     `json:"assetUri"`
	FallbackAssetURI string     `json:"fallbackAssetUri"`
	Files            []File     `json:"files"`
	Properties       []Property `json:"properties"`
}

// Extension is one extension in a marketplace query response. Raw retains
// the exact bytes the marketplace sent for this extension. Raw is not
// persisted into the store's extension record, so the Gallery API re-serves
// only the fields modelled here and in store.Extension.
type Extension struct {
	Raw json.RawMessage `json:"-"`

	ExtensionID      string      `json:"extensionId"`
	ExtensionName    string      `json:"extensionName"`
	DisplayName      string      `json:"displayName"`
	ShortDescription string      `json:"shortDescription"`
	Publisher        Publisher   `json:"publisher"`
	Versions         []Version   `json:"versions"`
	Statistics       []Statistic `json:"statistics"`
	Tags             []string    `json:"tags"`
	Categories       []string    `json:"categories"`
	Flags            string      `json:"flags"`
}

// UnmarshalJSON captures the original bytes into Raw before decoding the
// known fields, so callers that only care about a handful of fields never
// force a lossy round trip for the rest.
func (e *Extension) UnmarshalJSON(data []byte) error {
	type alias Extension
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Extension(a)
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// QueryPage is one page of a marketplace query response.
type QueryPage struct {
	Extensions []Extension
	TotalCount int
}

// rawQueryResponse mirrors IRawGalleryQueryResult's shape closely enough to
// decode it; TotalCount is buried in resultMetadata the way the teacher's
// own QueryResponse models it.
type rawQueryResponse struct {
	Results []struct {
		Extensions     []Extension `json:"extensions"`
		ResultMetadata []struct {
			Type  string `json:"metadataType"`
			Items []struct {
				Name  string `json:"name"`
				Count int    `json:"count"`
			} `json:"metadataItems"`
		} `json:"resultMetadata"`
	} `json:"results"`
}

func (r rawQueryResponse) page() QueryPage {
	if len(r.Results) == 0 {
		return QueryPage{}
	}
	result := r.Results[0]
	page := QueryPage{Extensions: result.Extensions}
	for _, md := range result.ResultMetadata {
		if md.Type != "ResultCount" {
			continue
		}
		for _, item := range md.Items {
			if item.Name == "TotalCount" {
				page.TotalCount = item.Count
			}
		}
	}
	return page
}

// recommendationGroup is one named group of recommended identifiers, as the
// recommendations endpoint groups them (e.g. by workspace language).
type recommendationGroup struct {
	Recommendations []string `json:"recommendations"`
}
