// Package config holds the provider configuration and the engines built from it.
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	p "github.com/pulumi/pulumi-go-provider"
	"github.com/pulumi/pulumi-go-provider/infer"
	"golang.org/x/sync/semaphore"

	"github.com/corymhall/pulumi-provider-pde/internal/failure"
	"github.com/corymhall/pulumi-provider-pde/internal/installer"
	"github.com/corymhall/pulumi-provider-pde/internal/lifecycle"
	"github.com/corymhall/pulumi-provider-pde/internal/link"
	"github.com/corymhall/pulumi-provider-pde/internal/release"
	"github.com/corymhall/pulumi-provider-pde/internal/reposync"
)

const (
	defaultResolveTimeout  = "30s"
	defaultDownloadTimeout = "10m"
	defaultCommandTimeout  = "10m"
	defaultGitTimeout      = "10m"
	defaultCacheTTL        = "1m"
	defaultParallelism     = 8
)

type Config struct {
	StagingRoot   string `pulumi:"stagingRoot,optional"`
	WorkspaceRoot string `pulumi:"workspaceRoot,optional"`
	BinLocation   string `pulumi:"binLocation,optional"`
	GitHubToken   string `pulumi:"githubToken,optional" provider:"secret"`
	GitHubBaseURL string `pulumi:"githubBaseURL,optional"`
	GitBaseURL    string `pulumi:"gitBaseURL,optional"`

	ResolveTimeout  string `pulumi:"resolveTimeout,optional"`
	DownloadTimeout string `pulumi:"downloadTimeout,optional"`
	CommandTimeout  string `pulumi:"commandTimeout,optional"`
	GitTimeout      string `pulumi:"gitTimeout,optional"`
	CacheTTL        string `pulumi:"cacheTTL,optional"`
	Parallelism     int    `pulumi:"parallelism,optional"`

	rt *Runtime
}

var _ = (infer.Annotated)((*Config)(nil))
var _ = (infer.CustomConfigure)((*Config)(nil))

func (c *Config) Annotate(a infer.Annotator) {
	a.Describe(&c.StagingRoot, "Directory that holds downloaded release assets. Defaults to $XDG_DATA_HOME/pde/staging.")
	a.Describe(&c.WorkspaceRoot, "Directory that repositories are cloned into. Defaults to the home directory.")
	a.Describe(&c.BinLocation, "Directory that release executables are linked into when a resource names none. Defaults to $XDG_BIN_HOME.")
	a.Describe(&c.GitHubToken, "Token used for the GitHub API and for cloning.")
	a.SetDefault(&c.GitHubToken, "", "GITHUB_TOKEN", "GH_TOKEN")
	a.Describe(&c.GitHubBaseURL, "Base URL of the GitHub API, for GitHub Enterprise.")
	a.SetDefault(&c.GitHubBaseURL, "", "GITHUB_API_URL")
	a.Describe(&c.GitBaseURL, "Prefix that \"<org>/<repo>\" is appended to when cloning.")
	a.SetDefault(&c.GitBaseURL, "https://github.com")

	a.Describe(&c.ResolveTimeout, "How long a release lookup may take, as a Go duration.")
	a.SetDefault(&c.ResolveTimeout, defaultResolveTimeout)
	a.Describe(&c.DownloadTimeout, "How long an asset download may take.")
	a.SetDefault(&c.DownloadTimeout, defaultDownloadTimeout)
	a.Describe(&c.CommandTimeout, "How long each install, update or uninstall command may run.")
	a.SetDefault(&c.CommandTimeout, defaultCommandTimeout)
	a.Describe(&c.GitTimeout, "How long a clone or pull may take.")
	a.SetDefault(&c.GitTimeout, defaultGitTimeout)
	a.Describe(&c.CacheTTL, "How long a resolved release is reused.")
	a.SetDefault(&c.CacheTTL, defaultCacheTTL)
	a.Describe(&c.Parallelism, "How many resources may be reconciled at once.")
	a.SetDefault(&c.Parallelism, defaultParallelism)
}

// Runtime is what resources act through. It is built once per Configure.
type Runtime struct {
	Releases *lifecycle.Coordinator[installer.Spec, installer.State]
	Repos    *lifecycle.Coordinator[reposync.Spec, reposync.State]
	Links    *lifecycle.Coordinator[link.Spec, link.State]

	// The engines are also reachable directly for previews and input checks.
	Installer *installer.Engine
	RepoSync  *reposync.Engine
	Linker    *link.Engine
}

// ErrNotConfigured is returned when a resource runs before Configure.
var ErrNotConfigured = errors.New("the pde provider has not been configured")

// Runtime returns the engines built by Configure.
func (c Config) Runtime() (*Runtime, error) {
	if c.rt == nil {
		return nil, ErrNotConfigured
	}
	return c.rt, nil
}

// Of returns the runtime of the configured provider.
func Of(ctx context.Context) (*Runtime, error) {
	return infer.GetConfig[Config](ctx).Runtime()
}

func (c *Config) Configure(ctx context.Context) error {
	if err := c.applyDefaults(); err != nil {
		return err
	}
	var resolveTimeout, downloadTimeout, commandTimeout, gitTimeout, cacheTTL time.Duration
	for _, d := range []struct {
		field, raw string
		dst        *time.Duration
	}{
		{"resolveTimeout", c.ResolveTimeout, &resolveTimeout},
		{"downloadTimeout", c.DownloadTimeout, &downloadTimeout},
		{"commandTimeout", c.CommandTimeout, &commandTimeout},
		{"gitTimeout", c.GitTimeout, &gitTimeout},
		{"cacheTTL", c.CacheTTL, &cacheTTL},
	} {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return &failure.ValidationError{Field: d.field, Reason: err.Error()}
		}
		if v < 0 {
			return &failure.ValidationError{Field: d.field, Reason: "must not be negative"}
		}
		*d.dst = v
	}
	if c.Parallelism < 1 {
		return &failure.ValidationError{Field: "parallelism", Reason: "must be at least 1"}
	}

	client, err := release.NewClient(ctx, c.GitHubToken, c.GitHubBaseURL)
	if err != nil {
		return err
	}
	resolver := release.New(client, release.Options{CacheTTL: cacheTTL, Timeout: resolveTimeout})

	inst := installer.New(resolver, installer.Options{
		StagingRoot:     c.StagingRoot,
		BinLocation:     c.BinLocation,
		DownloadTimeout: downloadTimeout,
		CommandTimeout:  commandTimeout,
	})
	repos := reposync.New(reposync.Options{
		WorkspaceRoot:  c.WorkspaceRoot,
		GitBaseURL:     c.GitBaseURL,
		Token:          c.GitHubToken,
		GitTimeout:     gitTimeout,
		CommandTimeout: commandTimeout,
	})
	linker := link.New(nil)

	limiter := semaphore.NewWeighted(int64(c.Parallelism))
	c.rt = &Runtime{
		Releases: lifecycle.New[installer.Spec, installer.State]("pde:installers:GitHubRelease", inst,
			lifecycle.Options[installer.Spec, installer.State]{Limiter: limiter}),
		Repos: lifecycle.New[reposync.Spec, reposync.State]("pde:installers:GitHubRepo", repos,
			lifecycle.Options[reposync.Spec, reposync.State]{Limiter: limiter}),
		Links: lifecycle.New[link.Spec, link.State]("pde:local:Link", linker,
			lifecycle.Options[link.Spec, link.State]{Limiter: limiter}),
		Installer: inst,
		RepoSync:  repos,
		Linker:    linker,
	}

	p.GetLogger(ctx).Debugf("configured pde: staging=%s workspace=%s bin=%s parallelism=%d",
		c.StagingRoot, c.WorkspaceRoot, c.BinLocation, c.Parallelism)
	return nil
}

// applyDefaults fills what the engine left empty. Directory defaults depend on the host
// so they are not part of the schema.
func (c *Config) applyDefaults() error {
	if c.StagingRoot == "" {
		c.StagingRoot = filepath.Join(xdg.DataHome, "pde", "staging")
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = xdg.Home
	}
	if c.BinLocation == "" {
		c.BinLocation = xdg.BinHome
	}
	if c.GitBaseURL == "" {
		c.GitBaseURL = "https://github.com"
	}
	for _, d := range []struct {
		field *string
		value string
	}{
		{&c.ResolveTimeout, defaultResolveTimeout},
		{&c.DownloadTimeout, defaultDownloadTimeout},
		{&c.CommandTimeout, defaultCommandTimeout},
		{&c.GitTimeout, defaultGitTimeout},
		{&c.CacheTTL, defaultCacheTTL},
	} {
		if *d.field == "" {
			*d.field = d.value
		}
	}
	if c.Parallelism == 0 {
		c.Parallelism = defaultParallelism
	}

	for _, d := range []struct {
		field string
		dir   *string
	}{
		{"stagingRoot", &c.StagingRoot},
		{"workspaceRoot", &c.WorkspaceRoot},
		{"binLocation", &c.BinLocation},
	} {
		expanded, err := link.ExpandHome(*d.dir)
		if err != nil {
			return fmt.Errorf("expanding %s: %w", d.field, err)
		}
		if !filepath.IsAbs(expanded) {
			return &failure.ValidationError{Field: d.field, Reason: "must be an absolute path"}
		}
		*d.dir = expanded
	}
	return nil
}
