// Package release resolves GitHub release specifiers to concrete downloadable assets.
package release

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/google/go-github/v55/github"
	"github.com/jonboulle/clockwork"
	"github.com/pulumi/pulumi/sdk/v3/go/common/util/logging"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/corymhall/pulumi-provider-pde/internal/failure"
)

// Latest selects the newest stable release.
const Latest = "latest"

// Query names the release asset to resolve.
type Query struct {
	Org, Repo string
	// Version is "latest", empty (same as "latest") or a tag.
	Version string
	// AssetName is an exact name, a regular expression or empty for the platform default.
	AssetName string
	// GOOS and GOARCH default to the running platform.
	GOOS, GOARCH string
}

// Asset is one file attached to a release.
type Asset struct {
	ID          int64
	Name        string
	Size        int64
	DownloadURL string
	ContentType string
}

// Release is a resolved query.
type Release struct {
	Org, Repo string
	Tag       string
	Asset     Asset
}

// Options tune a [Resolver].
type Options struct {
	// CacheTTL is how long a resolved (org, repo, version) is reused. Zero disables caching.
	CacheTTL time.Duration
	// Timeout bounds each call to the API.
	Timeout time.Duration
	Clock   clockwork.Clock
	// DownloadClient follows asset redirects. It must not carry API credentials.
	DownloadClient *http.Client
}

// Resolver looks up releases through the GitHub API.
//
// Results are cached per (org, repo, version) for a short time. Concurrent misses for the
// same key share one upstream call.
type Resolver struct {
	client   *github.Client
	opts     Options
	mu       sync.RWMutex
	entries  map[cacheKey]cacheEntry
	inflight singleflight.Group
}

type cacheKey struct{ org, repo, version string }

func (k cacheKey) String() string { return k.org + "/" + k.repo + "@" + k.version }

type cacheEntry struct {
	tag     string
	assets  []Asset
	expires time.Time
}

// NewClient builds an API client. An empty token gives anonymous access and an empty
// baseURL targets api.github.com.
func NewClient(ctx context.Context, token, baseURL string) (*github.Client, error) {
	var hc *http.Client
	if token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client := github.NewClient(hc)
	if baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
		if err != nil {
			return nil, &failure.ValidationError{Field: "githubBaseURL", Reason: err.Error()}
		}
		client.BaseURL = u
	}
	return client, nil
}

// New returns a resolver using client.
func New(client *github.Client, opts Options) *Resolver {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.DownloadClient == nil {
		opts.DownloadClient = http.DefaultClient
	}
	return &Resolver{
		client:  client,
		opts:    opts,
		entries: map[cacheKey]cacheEntry{},
	}
}

// Resolve turns q into a concrete release asset. It has no side effects besides caching.
func (r *Resolver) Resolve(ctx context.Context, q Query) (Release, error) {
	if q.Org == "" {
		return Release{}, &failure.ValidationError{Field: "org", Reason: "must not be empty"}
	}
	if q.Repo == "" {
		return Release{}, &failure.ValidationError{Field: "repo", Reason: "must not be empty"}
	}
	if q.Version == "" {
		q.Version = Latest
	}
	if q.GOOS == "" {
		q.GOOS = runtime.GOOS
	}
	if q.GOARCH == "" {
		q.GOARCH = runtime.GOARCH
	}

	entry, err := r.lookup(ctx, cacheKey{q.Org, q.Repo, q.Version})
	if err != nil {
		return Release{}, err
	}
	asset, err := selectAsset(q.Org, q.Repo, entry.tag, entry.assets, q.AssetName, q.GOOS, q.GOARCH)
	if err != nil {
		return Release{}, err
	}
	logging.V(5).Infof("resolved %s/%s@%s to %s (%s)", q.Org, q.Repo, q.Version, entry.tag, asset.Name)
	return Release{Org: q.Org, Repo: q.Repo, Tag: entry.tag, Asset: asset}, nil
}

// Download streams rel's asset into w.
func (r *Resolver) Download(ctx context.Context, rel Release, w io.Writer) (int64, error) {
	op := fmt.Sprintf("downloading %s from %s/%s@%s", rel.Asset.Name, rel.Org, rel.Repo, rel.Tag)
	rc, redirect, err := r.client.Repositories.DownloadReleaseAsset(ctx,
		rel.Org, rel.Repo, rel.Asset.ID, r.opts.DownloadClient)
	if err != nil {
		return 0, r.classify(err, op, rel.Org, rel.Repo, rel.Tag)
	}
	if rc == nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, redirect, nil)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		resp, err := r.opts.DownloadClient.Do(req)
		if err != nil {
			return 0, r.classify(err, op, rel.Org, rel.Repo, rel.Tag)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return 0, statusError(resp.StatusCode, errors.New(resp.Status), op, rel.Org, rel.Repo, rel.Tag)
		}
		rc = resp.Body
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return n, r.classify(err, op, rel.Org, rel.Repo, rel.Tag)
	}
	return n, nil
}

func (r *Resolver) lookup(ctx context.Context, k cacheKey) (cacheEntry, error) {
	if e, ok := r.cached(k); ok {
		return e, nil
	}
	v, err, _ := r.inflight.Do(k.String(), func() (any, error) {
		if e, ok := r.cached(k); ok {
			return e, nil
		}
		e, err := r.fetch(ctx, k)
		if err != nil {
			return cacheEntry{}, err
		}
		return r.store(k, e), nil
	})
	if err != nil {
		return cacheEntry{}, err
	}
	return v.(cacheEntry), nil
}

func (r *Resolver) cached(k cacheKey) (cacheEntry, bool) {
	if r.opts.CacheTTL <= 0 {
		return cacheEntry{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[k]
	if !ok || !r.opts.Clock.Now().Before(e.expires) {
		return cacheEntry{}, false
	}
	return e, true
}

// store writes e unless a fresh entry for k already exists, in which case that one wins.
func (r *Resolver) store(k cacheKey, e cacheEntry) cacheEntry {
	if r.opts.CacheTTL <= 0 {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.opts.Clock.Now()
	if existing, ok := r.entries[k]; ok && now.Before(existing.expires) {
		return existing
	}
	e.expires = now.Add(r.opts.CacheTTL)
	r.entries[k] = e
	return e
}

func (r *Resolver) fetch(ctx context.Context, k cacheKey) (cacheEntry, error) {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	if k.version == Latest {
		return r.fetchLatest(ctx, k)
	}

	op := fmt.Sprintf("getting release %s of %s/%s", k.version, k.org, k.repo)
	rel, _, err := r.client.Repositories.GetReleaseByTag(ctx, k.org, k.repo, k.version)
	if err != nil && !strings.HasPrefix(k.version, "v") && isNotFound(err) {
		rel, _, err = r.client.Repositories.GetReleaseByTag(ctx, k.org, k.repo, "v"+k.version)
	}
	if err != nil {
		return cacheEntry{}, r.classify(err, op, k.org, k.repo, k.version)
	}
	return entryOf(rel), nil
}

// fetchLatest picks the highest semantic version among stable releases. When no tag is a
// semantic version the most recently published stable release wins.
func (r *Resolver) fetchLatest(ctx context.Context, k cacheKey) (cacheEntry, error) {
	op := fmt.Sprintf("listing releases of %s/%s", k.org, k.repo)
	var (
		best       *github.RepositoryRelease
		bestVer    semver.Version
		newest     *github.RepositoryRelease
		anySemver  bool
		listOption = &github.ListOptions{PerPage: 100}
	)
	for {
		releases, resp, err := r.client.Repositories.ListReleases(ctx, k.org, k.repo, listOption)
		if err != nil {
			return cacheEntry{}, r.classify(err, op, k.org, k.repo, k.version)
		}
		for _, rel := range releases {
			if rel.GetDraft() || rel.GetPrerelease() {
				continue
			}
			v, err := semver.ParseTolerant(rel.GetTagName())
			if err != nil {
				if newest == nil || rel.GetPublishedAt().After(newest.GetPublishedAt().Time) {
					newest = rel
				}
				continue
			}
			if len(v.Pre) > 0 {
				continue
			}
			if !anySemver || v.GT(bestVer) {
				best, bestVer, anySemver = rel, v, true
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		listOption.Page = resp.NextPage
	}
	switch {
	case best != nil:
		return entryOf(best), nil
	case newest != nil:
		return entryOf(newest), nil
	default:
		return cacheEntry{}, &failure.NotFoundError{Org: k.org, Repo: k.repo, Version: k.version}
	}
}

func entryOf(rel *github.RepositoryRelease) cacheEntry {
	e := cacheEntry{tag: rel.GetTagName()}
	for _, a := range rel.Assets {
		e.assets = append(e.assets, Asset{
			ID:          a.GetID(),
			Name:        a.GetName(),
			Size:        int64(a.GetSize()),
			DownloadURL: a.GetBrowserDownloadURL(),
			ContentType: a.GetContentType(),
		})
	}
	return e
}

func isNotFound(err error) bool {
	var ere *github.ErrorResponse
	return errors.As(err, &ere) && ere.Response != nil && ere.Response.StatusCode == http.StatusNotFound
}

// classify maps API errors onto the failure taxonomy.
func (r *Resolver) classify(err error, op, org, repo, version string) error {
	var (
		rle *github.RateLimitError
		are *github.AbuseRateLimitError
		ere *github.ErrorResponse
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.As(err, &rle):
		retry := rle.Rate.Reset.Time.Sub(r.opts.Clock.Now())
		if retry < 0 {
			retry = 0
		}
		return &failure.UpstreamError{Op: op, StatusCode: statusOf(rle.Response), RetryAfter: retry, Err: err}
	case errors.As(err, &are):
		return &failure.UpstreamError{Op: op, StatusCode: statusOf(are.Response), RetryAfter: are.GetRetryAfter(), Err: err}
	case errors.As(err, &ere):
		return statusError(statusOf(ere.Response), err, op, org, repo, version)
	default:
		return &failure.UpstreamError{Op: op, Err: err}
	}
}

// statusError maps an unsuccessful HTTP status onto the failure taxonomy.
func statusError(status int, err error, op, org, repo, version string) error {
	switch {
	case status == http.StatusNotFound:
		return &failure.NotFoundError{Org: org, Repo: repo, Version: version}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &failure.AccessDeniedError{Op: op, StatusCode: status, Err: err}
	case status == http.StatusTooManyRequests || status >= 500:
		return &failure.UpstreamError{Op: op, StatusCode: status, Err: err}
	case status >= 400:
		return &failure.RejectedError{Op: op, StatusCode: status, Err: err}
	}
	return &failure.UpstreamError{Op: op, StatusCode: status, Err: err}
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
