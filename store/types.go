// Package store implements the Artifact Store (spec component C1): the
// on-disk layout under the artifact root plus the atomic write/index
// primitives every other package builds on. Store is the only package that
// writes to disk; everything else observes it through a Snapshot.
package store

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// Platform is a binary release's platform tag, e.g. "linux-x64" or
// "win32-x64-archive". Carried from the teacher's storage.Platform, widened
// to a plain string type since the full set of upstream platform tags is
// operator-configured rather than a closed enum.
type Platform string

// Quality is a release channel.
type Quality string

const (
	QualityStable      Quality = "stable"
	QualityInsider     Quality = "insider"
	QualityExploration Quality = "exploration"
)

// AssetType identifies a single file belonging to an extension version.
// Carried from the teacher's storage.AssetType and extended with the asset
// kinds spec section 3 names explicitly that the distilled teacher never
// needed (icon, readme, changelog, license, translations).
type AssetType string

const (
	AssetTypeManifest     AssetType = "Microsoft.VisualStudio.Code.Manifest"
	AssetTypeVSIX         AssetType = "Microsoft.VisualStudio.Services.VSIXPackage"
	AssetTypeIcon         AssetType = "Microsoft.VisualStudio.Services.Icons.Default"
	AssetTypeLicense      AssetType = "Microsoft.VisualStudio.Services.Content.License"
	AssetTypeDetails      AssetType = "Microsoft.VisualStudio.Services.Content.Details"
	AssetTypeChangelog    AssetType = "Microsoft.VisualStudio.Services.Content.Changelog"
	AssetTypeTranslations AssetType = "Microsoft.VisualStudio.Code.Translation"
	AssetTypeSignature    AssetType = "Microsoft.VisualStudio.Services.VsixSignature"
)

// TargetPlatform qualifies an extension version to a specific CPU/OS, or is
// empty/universal for a platform-independent version.
type TargetPlatform string

const (
	TargetUniversal TargetPlatform = ""
)

// Version identifies a single extension version, carried from the
// teacher's storage.Version including its directory-name encoding and
// semver-descending order.
type Version struct {
	Semver         string         `json:"version"`
	TargetPlatform TargetPlatform `json:"targetPlatform,omitempty"`
}

func (v Version) isUniversal() bool {
	return v.TargetPlatform == TargetUniversal
}

// String encodes the version as a single identity string, e.g. "1.2.3" or
// "1.2.3@linux-x64". The "@platform" suffix is omitted for universal
// versions. On disk a targeted version is nested as <semver>/<platform>
// instead (see ExtensionVersionDir).
func (v Version) String() string {
	if v.isUniversal() {
		return v.Semver
	}
	return fmt.Sprintf("%s@%s", v.Semver, v.TargetPlatform)
}

// VersionFromString reverses Version.String().
func VersionFromString(dir string) Version {
	parts := strings.SplitN(dir, "@", 2)
	v := Version{Semver: parts[0]}
	if len(parts) > 1 {
		v.TargetPlatform = TargetPlatform(parts[1])
	}
	return v
}

// ByVersion sorts versions newest-first, ties broken by target platform.
type ByVersion []Version

func (vs ByVersion) Len() int      { return len(vs) }
func (vs ByVersion) Swap(i, j int) { vs[i], vs[j] = vs[j], vs[i] }
func (vs ByVersion) Less(i, j int) bool {
	cmp := semver.Compare("v"+vs[i].Semver, "v"+vs[j].Semver)
	if cmp != 0 {
		return cmp > 0
	}
	return vs[i].TargetPlatform < vs[j].TargetPlatform
}

// Asset is a single file belonging to an extension version.
type Asset struct {
	Type AssetType `json:"assetType"`
	Path string    `json:"path"`
	Size int64     `json:"size"`
	Hash string    `json:"hash,omitempty"`
}

// ExtensionVersion is one version of an extension.
type ExtensionVersion struct {
	Version
	PreRelease     bool      `json:"preRelease,omitempty"`
	UploadedAt     time.Time `json:"uploadedAt"`
	EngineVersion  string    `json:"engineVersion,omitempty"`
	Assets         []Asset   `json:"assets"`
}

// Publisher is the publisher block of an extension.
type Publisher struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// Extension is the aggregate persisted per extension (the Extension
// Record of spec section 3).
type Extension struct {
	// Identifier is "publisher.name" in canonical (upstream) casing.
	Identifier       string             `json:"identifier"`
	DisplayName      string             `json:"displayName"`
	ShortDescription string             `json:"shortDescription"`
	Publisher        Publisher          `json:"publisher"`
	Categories       []string           `json:"categories,omitempty"`
	Tags             []string           `json:"tags,omitempty"`
	Flags            []string           `json:"flags,omitempty"`
	InstallCount     int64              `json:"installCount"`
	Rating           float32            `json:"rating"`
	RatingCount      int64              `json:"ratingCount"`
	Icon             string             `json:"icon,omitempty"`
	// Versions is newest-first, per spec section 3's invariant.
	Versions []ExtensionVersion `json:"versions"`
}

// LowerIdentifier returns the case-folded identity used for lookups,
// matching spec section 3's "case-insensitive identity".
func (e *Extension) LowerIdentifier() string {
	return strings.ToLower(e.Identifier)
}

// Latest returns the newest non-prerelease version, or the newest version
// overall when includePreRelease is true, per spec section 3's invariant
// that the head of the version list is latest excluding pre-release unless
// the consumer opts in.
func (e *Extension) Latest(includePreRelease bool) (ExtensionVersion, bool) {
	for _, v := range e.Versions {
		if includePreRelease || !v.PreRelease {
			return v, true
		}
	}
	return ExtensionVersion{}, false
}

// BinaryRelease is a platform build of the editor.
type BinaryRelease struct {
	Platform    Platform  `json:"platform"`
	Quality     Quality   `json:"quality"`
	Commit      string    `json:"commit"`
	Version     string    `json:"version"`
	URL         string    `json:"url"`
	Hash        string    `json:"hash,omitempty"`
	Size        int64     `json:"size"`
	Timestamp   time.Time `json:"timestamp"`
}

// Identity returns the (platform, quality, commit) tuple spec section 3
// names as a binary release's identity.
func (b BinaryRelease) Identity() string {
	return string(b.Quality) + "/" + string(b.Platform) + "/" + b.Commit
}
