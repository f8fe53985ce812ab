// Package download implements the Download Pool (spec component C4): a
// bounded-concurrency executor that turns a catalog.Resolver work set into
// committed store artifacts.
package download

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"cdr.dev/slog"

	"github.com/coder/airgap-marketplace/catalog"
	"github.com/coder/airgap-marketplace/config"
	"github.com/coder/airgap-marketplace/errs"
	"github.com/coder/airgap-marketplace/store"
	"github.com/coder/airgap-marketplace/upstream"
)

// Result is the outcome of fetching and committing a single WorkItem. Err
// is set rather than propagated so that one bad asset does not abort the
// rest of a Run.
type Result struct {
	Item    catalog.WorkItem
	Relpath string
	Size    int64
	Hash    string
	Err     error
}

// maxVerifyAttempts bounds the pool-level attempts (the first included) at a
// single item whose asset was fully streamed but failed size/hash
// verification. Upstream
// transport errors are already retried inside upstream.Client; this only
// covers a stream that completed but came out corrupt.
const maxVerifyAttempts = 3

// Pool is the bounded-concurrency download executor. Width is capped at
// cfg.PoolWidth, modeled on the teacher's errgroup-based fan-in in
// cli/server.go generalized here to a semaphore-bounded fan-out.
type Pool struct {
	store    *store.LocalStore
	client   *upstream.Client
	cfg      *config.Config
	logger   slog.Logger
	progress *Progress
}

// New returns a Pool that fetches assets with client and commits them to s.
func New(s *store.LocalStore, client *upstream.Client, cfg *config.Config, logger slog.Logger) *Pool {
	return &Pool{store: s, client: client, cfg: cfg, logger: logger, progress: NewProgress()}
}

// Progress returns the atomic counters for the most recent (or in-flight)
// Run, for a caller to render as a progress bar.
func (p *Pool) Progress() *Progress { return p.progress }

// Run fetches and commits every item in items, bounded to cfg.PoolWidth
// concurrent workers, and returns one Result per item in input order. A
// single item's failure is captured in its Result, not returned as the
// overall error; Run's error return is reserved for the run being cancelled
// outright.
func (p *Pool) Run(ctx context.Context, items []catalog.WorkItem) ([]Result, error) {
	width := p.cfg.PoolWidth
	if width <= 0 {
		width = 8
	}

	p.progress = NewProgress()
	p.progress.SetTotal(int64(len(items)))

	results := make([]Result, len(items))
	sem := semaphore.NewWeighted(int64(width))
	eg, egCtx := errgroup.WithContext(ctx)

	for i, item := range items {
		if err := sem.Acquire(egCtx, 1); err != nil {
			results[i] = Result{Item: item, Err: errs.Wrap(errs.KindCancelled, "acquire pool slot", err)}
			p.progress.IncFailed()
			continue
		}
		i, item := i, item
		eg.Go(func() error {
			defer sem.Release(1)
			res := p.runOne(egCtx, item)
			results[i] = res
			if res.Err != nil {
				p.logger.Warn(egCtx, "download failed", slog.F("source", item.SourceURL), slog.Error(res.Err))
				p.progress.IncFailed()
				return nil
			}
			p.progress.IncDone(res.Size)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return results, errs.Wrap(errs.KindCancelled, "download pool run", err)
	}
	if err := ctx.Err(); err != nil {
		return results, errs.Wrap(errs.KindCancelled, "download pool run", err)
	}
	return results, nil
}

// runOne fetches and commits a single item, idempotent via store.Has and
// retried on verification failure.
func (p *Pool) runOne(ctx context.Context, item catalog.WorkItem) Result {
	relpath := p.destRelpath(item)

	if p.store.Has(relpath, item.DeclaredSize, item.DeclaredHash) {
		return Result{Item: item, Relpath: relpath, Size: item.DeclaredSize, Hash: item.DeclaredHash}
	}

	var lastErr error
	for attempt := 0; attempt < maxVerifyAttempts; attempt++ {
		if attempt > 0 {
			if err := p.sleepBackoff(ctx, attempt); err != nil {
				return Result{Item: item, Err: err}
			}
		}
		size, hash, err := p.fetchAndCommit(ctx, item, relpath)
		if err == nil {
			return Result{Item: item, Relpath: relpath, Size: size, Hash: hash}
		}
		lastErr = err
		if !errs.Is(err, errs.KindAssetIntegrityMismatch) {
			break
		}
		p.logger.Warn(ctx, "asset verification failed, retrying",
			slog.F("source", item.SourceURL), slog.F("attempt", attempt+1), slog.Error(err))
	}
	return Result{Item: item, Err: lastErr}
}

// fetchAndCommit streams item's asset from upstream into the store,
// verifying whatever size/hash the item or the response declared.
func (p *Pool) fetchAndCommit(ctx context.Context, item catalog.WorkItem, relpath string) (int64, string, error) {
	body, declaredSize, declaredHash, err := p.client.FetchExtensionAsset(ctx, item.SourceURL)
	if err != nil {
		return 0, "", err
	}
	defer body.Close()

	size := item.DeclaredSize
	if size == 0 {
		size = declaredSize
	}
	hash := item.DeclaredHash
	if hash == "" {
		hash = declaredHash
	}

	reader := &contextReader{ctx: ctx, r: body}

	var sum string
	switch item.Kind {
	case catalog.KindExtensionAsset:
		sum, err = p.store.WriteExtensionAsset(item.Identifier, item.Version, path.Base(relpath), reader, size)
	case catalog.KindBinaryAsset:
		sum, err = p.store.WriteBinaryAsset(item.Quality, item.Platform, item.Commit, path.Base(relpath), reader, size)
	default:
		return 0, "", fmt.Errorf("unknown work item kind %d", item.Kind)
	}
	if err != nil {
		return 0, "", err
	}
	if hash != "" && sum != hash {
		return 0, "", errs.New(errs.KindAssetIntegrityMismatch, "asset hash mismatch for "+item.SourceURL)
	}
	return size, sum, nil
}

func (p *Pool) sleepBackoff(ctx context.Context, attempt int) error {
	d := p.cfg.Retry.Base
	if d <= 0 {
		d = config.DefaultRetry.Base
	}
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.KindCancelled, "verification retry wait", ctx.Err())
	case <-t.C:
		return nil
	}
}

// destRelpath computes the store-relative path a WorkItem's asset commits
// to, deriving a filename from its AssetType (or, failing that, from the
// source URL's basename).
func (p *Pool) destRelpath(item catalog.WorkItem) string {
	switch item.Kind {
	case catalog.KindExtensionAsset:
		return path.Join(p.store.ExtensionVersionDir(item.Identifier, item.Version), assetFilename(item.AssetType, item.SourceURL))
	case catalog.KindBinaryAsset:
		return path.Join(p.store.BinaryDir(item.Quality, item.Platform, item.Commit), urlBase(item.SourceURL))
	default:
		return ""
	}
}

// assetFilename maps an extension asset type onto the filename it is
// stored under alongside extension.vsixmanifest, carried from the
// teacher's own convention of naming addressable assets after their type
// rather than their upstream URL.
func assetFilename(assetType store.AssetType, sourceURL string) string {
	switch assetType {
	case store.AssetTypeVSIX:
		return "extension.vsix"
	case store.AssetTypeManifest:
		return "extension.vsixmanifest"
	case store.AssetTypeIcon:
		ext := path.Ext(urlPath(sourceURL))
		if ext == "" {
			ext = ".png"
		}
		return "icon" + ext
	case store.AssetTypeLicense:
		return "license.txt"
	case store.AssetTypeDetails:
		return "details.md"
	case store.AssetTypeChangelog:
		return "changelog.md"
	case store.AssetTypeSignature:
		return "extension.sigzip"
	case store.AssetTypeTranslations:
		ext := path.Ext(urlPath(sourceURL))
		if ext == "" {
			ext = ".json"
		}
		return "translations" + ext
	default:
		return urlBase(sourceURL)
	}
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

func urlBase(raw string) string {
	p := urlPath(raw)
	if p == "" || p == "/" {
		return "asset"
	}
	return path.Base(p)
}

// contextReader aborts an in-flight read as soon as ctx is cancelled,
// propagating cancellation into io.Copy the way spec section 4.4 requires
// rather than waiting for the next natural read boundary on a stalled
// connection.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
