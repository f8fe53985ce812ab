// Package config holds the single configuration value that is built once
// at process startup and threaded through every other package. Nothing in
// this repository reads configuration from ambient state deeper in the
// call stack (see DESIGN.md "Global state").
package config

import (
	"time"

	"github.com/coder/airgap-marketplace/errs"
)

// Retry describes the exponential backoff policy used by upstream.Client.
type Retry struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Cap bounds the delay regardless of how many attempts have elapsed.
	Cap time.Duration
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
}

// DefaultRetry is the backoff policy used unless the operator overrides it.
var DefaultRetry = Retry{
	Base:        500 * time.Millisecond,
	Factor:      2,
	Cap:         30 * time.Second,
	MaxAttempts: 5,
}

// Config is the process-wide configuration value. It is constructed once by
// the cli package's flag bindings (or in tests) and passed by pointer to
// every component that needs it.
type Config struct {
	// ArtifactRoot is the directory that backs the artifact store (spec
	// section 4.1's root directory).
	ArtifactRoot string

	// UpstreamReleaseURL is the base URL of the editor vendor's release
	// manifest endpoint.
	UpstreamReleaseURL string
	// UpstreamMarketplaceURL is the base URL of the marketplace query
	// endpoint.
	UpstreamMarketplaceURL string
	// UpstreamRecommendationsURL is the base URL of the recommendations
	// endpoint.
	UpstreamRecommendationsURL string

	// BindAddress is where the gallery API listens.
	BindAddress string

	// SyncInterval is the period between synchronizer passes in periodic
	// mode. Zero means one-shot.
	SyncInterval time.Duration

	// RetainExtensionVersions is the number of versions kept per extension
	// (M in spec section 4.5).
	RetainExtensionVersions int
	// RetainBinaryBuilds is the number of builds kept per (quality,
	// platform) pair (K in spec section 4.5).
	RetainBinaryBuilds int
	// NewestVersionsPerExtension is N in spec section 4.3's "Extensions:
	// all" mode.
	NewestVersionsPerExtension int
	// TotalRecommended bounds the optional top-K marketplace slice folded
	// into the recommended set.
	TotalRecommended int

	// PoolWidth is the download pool's concurrency bound (W in spec
	// section 4.4).
	PoolWidth int

	// RequestTimeout bounds every individual upstream HTTP call.
	RequestTimeout time.Duration
	// Retry is the backoff policy for upstream calls.
	Retry Retry

	// IncludePreRelease controls whether pre-release extension versions
	// are resolved and served by default.
	IncludePreRelease bool

	// QualitiesEnabled is the set of quality channels the synchronizer
	// mirrors, e.g. {"stable", "insider"}.
	QualitiesEnabled []string
	// PlatformsEnabled is the set of binary platform tags the
	// synchronizer mirrors, e.g. {"linux-x64", "win32-x64-archive"}.
	PlatformsEnabled []string

	// RateLimitPerMinute bounds gallery API requests per IP per endpoint.
	// A negative value disables the limit; zero uses the API's default of
	// 512.
	RateLimitPerMinute int
	// MaxPageSize is validated as positive. The gallery API does not read
	// it: /extensionquery accepts page sizes from 0 to 50.
	MaxPageSize int

	// Verbose enables debug-level logging.
	Verbose bool

	// LogDestination is a file path logs are appended to. Empty means
	// stderr.
	LogDestination string
}

// Default returns a Config with every field set to the value this
// repository falls back to when the operator does not override it.
func Default() *Config {
	return &Config{
		BindAddress:                "127.0.0.1:3001",
		RetainExtensionVersions:    3,
		RetainBinaryBuilds:         2,
		NewestVersionsPerExtension: 1,
		TotalRecommended:           0,
		PoolWidth:                  8,
		RequestTimeout:             30 * time.Second,
		Retry:                      DefaultRetry,
		IncludePreRelease:          false,
		QualitiesEnabled:           []string{"stable"},
		PlatformsEnabled:           []string{"linux-x64"},
		RateLimitPerMinute:         512,
		MaxPageSize:                50,
	}
}

// Validate reports a configuration error kind alongside a message when the
// config cannot drive a sync pass or an API server.
func (c *Config) Validate() error {
	if c.ArtifactRoot == "" {
		return errs.New(errs.KindConfigurationInvalid, "artifact root must be set")
	}
	if c.PoolWidth <= 0 {
		return errs.New(errs.KindConfigurationInvalid, "download pool width must be positive")
	}
	if c.MaxPageSize <= 0 {
		return errs.New(errs.KindConfigurationInvalid, "max page size must be positive")
	}
	return nil
}
