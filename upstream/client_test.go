package upstream_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/coder/airgap-marketplace/config"
	"github.com/coder/airgap-marketplace/errs"
	"github.com/coder/airgap-marketplace/query"
	"github.com/coder/airgap-marketplace/store"
	"github.com/coder/airgap-marketplace/upstream"
)

func testLogger(t *testing.T) slog.Logger {
	return slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelDebug)
}

func testConfig(t *testing.T, srv *httptest.Server) *config.Config {
	cfg := config.Default()
	cfg.UpstreamReleaseURL = srv.URL
	cfg.UpstreamMarketplaceURL = srv.URL
	cfg.UpstreamRecommendationsURL = srv.URL + "/recommendations"
	cfg.RequestTimeout = 5 * time.Second
	cfg.Retry = config.Retry{Base: time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond, MaxAttempts: 3}
	return cfg
}

func TestFetchReleaseManifest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/update/stable", r.URL.Path)
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]interface{}{
			"commit":  "abc123",
			"version": "1.2.3",
			"platforms": map[string]string{
				"linux-x64": "https://upstream.example/linux-x64/abc123",
			},
		})
	}))
	defer srv.Close()

	c := upstream.NewClient(testConfig(t, srv), testLogger(t))
	manifest, err := c.FetchReleaseManifest(context.Background(), store.QualityStable)
	require.NoError(t, err)
	require.Equal(t, "abc123", manifest.Commit)
	require.Equal(t, "1.2.3", manifest.Version)
	require.Equal(t, "https://upstream.example/linux-x64/abc123", manifest.Platforms["linux-x64"])
}

func TestQueryMarketplacePreservesUnknownFields(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req query.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Filters, 1)

		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprint(rw, `{
			"results": [{
				"extensions": [{
					"extensionId": "foo.bar",
					"extensionName": "bar",
					"displayName": "Bar",
					"publisher": {"publisherName": "foo"},
					"somethingThisClientDoesNotKnowAbout": {"nested": true}
				}],
				"resultMetadata": [{
					"metadataType": "ResultCount",
					"metadataItems": [{"name": "TotalCount", "count": 1}]
				}]
			}]
		}`)
	}))
	defer srv.Close()

	c := upstream.NewClient(testConfig(t, srv), testLogger(t))
	page, err := c.QueryMarketplace(context.Background(), query.Filter{
		Criteria: []query.Criteria{{Type: query.FilterExtensionID, Value: "foo.bar"}},
	}, query.FlagNone, 1, 50)
	require.NoError(t, err)
	require.Equal(t, 1, page.TotalCount)
	require.Len(t, page.Extensions, 1)
	require.Equal(t, "foo.bar", page.Extensions[0].ExtensionID)
	require.Contains(t, string(page.Extensions[0].Raw), "somethingThisClientDoesNotKnowAbout")
}

func TestFetchRecommendationsDeduplicates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprint(rw, `[
			{"recommendations": ["foo.bar", "baz.qux"]},
			{"recommendations": ["foo.bar"]}
		]`)
	}))
	defer srv.Close()

	c := upstream.NewClient(testConfig(t, srv), testLogger(t))
	ids, err := c.FetchRecommendations(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"foo.bar", "baz.qux"}, ids)
}

func TestFetchExtensionAssetStreamsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Length", "11")
		_, _ = rw.Write([]byte("hello world"))
	}))
	defer srv.Close()

	c := upstream.NewClient(testConfig(t, srv), testLogger(t))
	body, size, _, err := c.FetchExtensionAsset(context.Background(), srv.URL+"/asset.vsix")
	require.NoError(t, err)
	defer body.Close()
	require.Equal(t, int64(11), size)
}

func TestDoRetriesOn5xxThenSucceeds(t *testing.T) {
	t.Parallel()

	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&attempts, 1) < 3 {
			rw.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]interface{}{"commit": "ok", "version": "1.0.0", "platforms": map[string]string{}})
	}))
	defer srv.Close()

	cfg := testConfig(t, srv)
	cfg.Retry.MaxAttempts = 5
	c := upstream.NewClient(cfg, testLogger(t))
	manifest, err := c.FetchReleaseManifest(context.Background(), store.QualityStable)
	require.NoError(t, err)
	require.Equal(t, "ok", manifest.Commit)
	require.Equal(t, int64(3), atomic.LoadInt64(&attempts))
}

func TestDoDoesNotRetry4xx(t *testing.T) {
	t.Parallel()

	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&attempts, 1)
		rw.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := upstream.NewClient(testConfig(t, srv), testLogger(t))
	_, err := c.FetchReleaseManifest(context.Background(), store.QualityStable)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindNotFound))
	require.Equal(t, int64(1), atomic.LoadInt64(&attempts))
}
