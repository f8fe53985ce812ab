package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"cdr.dev/slog"
	"github.com/coder/airgap-marketplace/api/httpapi"
	"github.com/coder/airgap-marketplace/api/httpmw"
	"github.com/coder/airgap-marketplace/query"
	"github.com/coder/airgap-marketplace/store"
)

// QueryResponse implements IRawGalleryQueryResult, the response sent to
// extension queries. Carried from the teacher's api.QueryResponse, with its
// Extensions field retargeted at query.ExtensionResult (this mirror's
// rendered wire shape) instead of *database.Extension.
// https://github.com/microsoft/vscode/blob/29234f0219bdbf649d6107b18651a1038d6357ac/src/vs/platform/extensionManagement/common/extensionGalleryService.ts#L81-L92
type QueryResponse struct {
	Results []QueryResult `json:"results"`
}

// QueryResult implements IRawGalleryQueryResult.results.
type QueryResult struct {
	Extensions []query.ExtensionResult `json:"extensions"`
	Metadata   []ResultMetadata        `json:"resultMetadata"`
}

// ResultMetadata implements IRawGalleryQueryResult.resultMetadata.
type ResultMetadata struct {
	Type  string               `json:"metadataType"`
	Items []ResultMetadataItem `json:"metadataItems"`
}

// ResultMetadataItem implements IRawGalleryQueryResult.metadataItems.
type ResultMetadataItem struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Options configures a new API, following the teacher's Options/New
// constructor-struct idiom.
type Options struct {
	Store  *store.LocalStore
	Engine *query.Engine
	Logger slog.Logger
	// RateLimit is requests per minute per (IP, endpoint). Set to <0 to
	// disable, 0 to use the default.
	RateLimit int
}

// API is the Gallery API (spec component C7).
type API struct {
	Store   *store.LocalStore
	Engine  *query.Engine
	Handler http.Handler
	Logger  slog.Logger
}

// New assembles the Gallery API's router and middleware chain, carried
// verbatim in shape from the teacher's api.New.
func New(options *Options) *API {
	if options.RateLimit == 0 {
		options.RateLimit = 512
	}

	r := chi.NewRouter()

	corsMW := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	r.Use(
		corsMW.Handler,
		httpmw.RateLimitPerMinute(options.RateLimit),
		middleware.GetHead,
		httpmw.AttachRequestID,
		httpmw.Recover(options.Logger),
		httpmw.AttachBuildInfo,
		httpmw.Logger(options.Logger),
	)

	a := &API{
		Store:   options.Store,
		Engine:  options.Engine,
		Handler: r,
		Logger:  options.Logger,
	}

	r.Get("/", func(rw http.ResponseWriter, r *http.Request) {
		httpapi.WriteBytes(rw, http.StatusOK, []byte("Marketplace mirror is running"))
	})
	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		httpapi.WriteBytes(rw, http.StatusOK, []byte("API server running"))
	})

	r.Post("/extensionquery", a.extensionQuery)
	r.Get("/assets/{publisher}/{name}/{version}/{assetType}", a.assetStream)
	r.Get("/api/update/{platform}/{quality}/{commit}", a.updateCheck)
	r.Get("/commit:{commit}/{platform}/{quality}", a.commitRedirect)
	r.Post("/stats", a.stats)

	binaryRoot := filepath.Join(options.Store.Root(), "binaries")
	r.Mount("/binaries", http.StripPrefix("/binaries", http.FileServer(http.Dir(binaryRoot))))

	return a
}

// extensionQuery serves POST /extensionquery, carried and generalized from
// the teacher's extensionQuery handler to evaluate each filter against
// query.Engine.Search instead of database.Database.GetExtensions.
func (a *API) extensionQuery(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req query.Request
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpapi.Write(rw, http.StatusBadRequest, httpapi.ErrorResponse{
				Message:   "Unable to read query",
				Detail:    "Check that the posted data is valid JSON",
				RequestID: httpmw.RequestID(r),
			})
			return
		}
	}

	if len(req.Filters) == 0 {
		req.Filters = append(req.Filters, query.Filter{})
	} else if len(req.Filters) > 1 {
		// The editor's client always sends exactly one filter.
		httpapi.Write(rw, http.StatusBadRequest, httpapi.ErrorResponse{
			Message:   "Too many filters",
			Detail:    "Check that you only have one filter",
			RequestID: httpmw.RequestID(r),
		})
		return
	}
	for _, filter := range req.Filters {
		if filter.PageSize < 0 || filter.PageSize > 50 {
			httpapi.Write(rw, http.StatusBadRequest, httpapi.ErrorResponse{
				Message:   "Invalid page size",
				Detail:    "Check that the page size is between zero and fifty",
				RequestID: httpmw.RequestID(r),
			})
			return
		}
	}

	baseURL := httpapi.RequestBaseURL(r, "/")

	results := []QueryResult{}
	for _, filter := range req.Filters {
		extensions, count, err := a.Engine.Search(ctx, filter, req.Flags, baseURL)
		if err != nil {
			a.Logger.Error(ctx, "unable to execute query", slog.Error(err))
			httpapi.Write(rw, http.StatusInternalServerError, httpapi.ErrorResponse{
				Message:   "Internal server error while executing query",
				Detail:    "Contact an administrator with the request ID",
				RequestID: httpmw.RequestID(r),
			})
			return
		}

		results = append(results, QueryResult{
			Extensions: extensions,
			Metadata: []ResultMetadata{{
				Type:  "ResultCount",
				Items: []ResultMetadataItem{{Count: count, Name: "TotalCount"}},
			}},
		})
	}

	httpapi.Write(rw, http.StatusOK, QueryResponse{Results: results})
}

// assetStream serves GET /assets/{publisher}/{name}/{version}/{assetType},
// streaming the asset's bytes directly with Range support instead of the
// teacher's redirect, since assets live under this mirror's own artifact
// root rather than a VS Code-specific static mount.
func (a *API) assetStream(rw http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "publisher") + "." + chi.URLParam(r, "name")
	versionParam := chi.URLParam(r, "version")
	assetType := chi.URLParam(r, "assetType")
	if assetType == "vspackage" {
		assetType = string(store.AssetTypeVSIX)
	}

	snap := a.Engine.Snapshot()
	if snap == nil {
		httpapi.Write(rw, http.StatusNotFound, httpapi.ErrorResponse{
			Message:   "Extension asset does not exist",
			Detail:    "No sync pass has published a snapshot yet",
			RequestID: httpmw.RequestID(r),
		})
		return
	}
	ext, ok := snap.ByIdentifier(identifier)
	if !ok {
		httpapi.Write(rw, http.StatusNotFound, httpapi.ErrorResponse{
			Message:   "Extension does not exist",
			Detail:    "Please check the publisher and extension name",
			RequestID: httpmw.RequestID(r),
		})
		return
	}

	asset, ok := findAsset(ext, versionParam, assetType)
	if !ok {
		httpapi.Write(rw, http.StatusNotFound, httpapi.ErrorResponse{
			Message:   "Extension asset does not exist",
			Detail:    "Please check the asset path",
			RequestID: httpmw.RequestID(r),
		})
		return
	}

	f, err := a.Store.Open(asset.Path)
	if err != nil {
		status := http.StatusInternalServerError
		if os.IsNotExist(err) {
			status = http.StatusNotFound
		}
		httpapi.Write(rw, status, httpapi.ErrorResponse{
			Message:   "Unable to read extension asset",
			Detail:    "Contact an administrator with the request ID",
			RequestID: httpmw.RequestID(r),
		})
		return
	}
	defer f.Close()

	stat, err := a.Store.Stat(asset.Path)
	if err != nil {
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.ErrorResponse{
			Message:   "Unable to stat extension asset",
			Detail:    "Contact an administrator with the request ID",
			RequestID: httpmw.RequestID(r),
		})
		return
	}

	http.ServeContent(rw, r, filepath.Base(asset.Path), stat.ModTime(), f)
}

// findAsset locates the Asset of the given assetType within ext's version
// matching versionParam, which may be a bare semver ("1.2.3") or the
// "semver@platform" encoding of store.Version.String.
func findAsset(ext *store.Extension, versionParam, assetType string) (store.Asset, bool) {
	for _, v := range ext.Versions {
		if v.String() != versionParam && v.Semver != versionParam {
			continue
		}
		for _, asset := range v.Assets {
			if string(asset.Type) == assetType {
				return asset, true
			}
		}
	}
	return store.Asset{}, false
}

// updateCheck serves GET /api/update/{platform}/{quality}/{commit}: a 204
// when commit is already current, otherwise the release manifest of the
// newer build (spec section 4.6's update-check operation / section 8 S2).
func (a *API) updateCheck(rw http.ResponseWriter, r *http.Request) {
	platform := store.Platform(chi.URLParam(r, "platform"))
	quality := store.Quality(chi.URLParam(r, "quality"))
	commit := chi.URLParam(r, "commit")

	rel, hasUpdate, ok := a.Engine.UpdateCheck(r.Context(), quality, platform, commit)
	if !ok {
		httpapi.Write(rw, http.StatusNotFound, httpapi.ErrorResponse{
			Message:   "No release published for that quality and platform",
			Detail:    "Please check the quality and platform",
			RequestID: httpmw.RequestID(r),
		})
		return
	}
	if !hasUpdate {
		rw.WriteHeader(http.StatusNoContent)
		return
	}

	httpapi.Write(rw, http.StatusOK, rel)
}

// commitRedirect serves GET /commit:{commit}/{platform}/{quality}: a
// redirect to the locally mirrored binary payload, mirroring the teacher's
// assetRedirect pattern but pointing at this mirror's own /binaries mount
// instead of back out to upstream.
func (a *API) commitRedirect(rw http.ResponseWriter, r *http.Request) {
	platform := store.Platform(chi.URLParam(r, "platform"))
	quality := store.Quality(chi.URLParam(r, "quality"))
	commit := chi.URLParam(r, "commit")

	snap := a.Engine.Snapshot()
	if snap == nil {
		httpapi.Write(rw, http.StatusNotFound, httpapi.ErrorResponse{
			Message:   "Binary release does not exist",
			Detail:    "No sync pass has published a snapshot yet",
			RequestID: httpmw.RequestID(r),
		})
		return
	}
	rel, ok := snap.Binary(quality, platform, commit)
	if !ok {
		httpapi.Write(rw, http.StatusNotFound, httpapi.ErrorResponse{
			Message:   "Binary release does not exist",
			Detail:    "Please check the commit, platform, and quality",
			RequestID: httpmw.RequestID(r),
		})
		return
	}

	dest := path.Join("/binaries", string(quality), string(platform), commit, filepath.Base(rel.URL))
	http.Redirect(rw, r, dest, http.StatusFound)
}

// stats serves POST /stats: accepts and discards a telemetry beacon, per
// spec section 4.7.
func (a *API) stats(rw http.ResponseWriter, r *http.Request) {
	_ = r.Body.Close()
	rw.WriteHeader(http.StatusOK)
}
