// Package installer installs executables published as GitHub release assets.
//
// Every instance owns a directory under the staging root:
//
//	<stagingRoot>/<instanceKey>/
//	    .lock            cross-process lock held while the instance changes
//	    .status          "installing <tag>", "installed <tag>" or "uninstalling <tag>"
//	    <tag>-<hash>/    artifact root
//
// Executables inside the artifact root are exposed by symlinks in a bin directory.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	p "github.com/pulumi/pulumi-go-provider"
	"github.com/pulumi/pulumi/sdk/v3/go/common/util/logging"

	"github.com/corymhall/pulumi-provider-pde/internal/command"
	"github.com/corymhall/pulumi-provider-pde/internal/failure"
	"github.com/corymhall/pulumi-provider-pde/internal/fsprobe"
	"github.com/corymhall/pulumi-provider-pde/internal/lifecycle"
	"github.com/corymhall/pulumi-provider-pde/internal/release"
)

// Variables exposed to install, update and uninstall commands.
const (
	EnvArtifactRoot = "PDE_ARTIFACT_ROOT"
	EnvExecutable   = "PDE_EXECUTABLE"
	EnvVersion      = "PDE_VERSION"
	EnvAssetName    = "PDE_ASSET_NAME"
	EnvBinLocation  = "PDE_BIN_LOCATION"

	reservedPrefix = "PDE_"
)

// Spec is the desired installation.
type Spec struct {
	Org               string            `pulumi:"org"`
	Repo              string            `pulumi:"repo"`
	ReleaseVersion    string            `pulumi:"releaseVersion,optional"`
	AssetName         string            `pulumi:"assetName,optional"`
	Executable        string            `pulumi:"executable,optional"`
	BinFolder         string            `pulumi:"binFolder,optional"`
	BinLocation       string            `pulumi:"binLocation,optional"`
	InstallCommands   []string          `pulumi:"installCommands,optional"`
	UninstallCommands []string          `pulumi:"uninstallCommands,optional"`
	UpdateCommands    []string          `pulumi:"updateCommands,optional"`
	Interpreter       []string          `pulumi:"interpreter,optional"`
	Environment       map[string]string `pulumi:"environment,optional"`
}

// State is an installation as it was made.
type State struct {
	Org               string   `pulumi:"org"`
	Repo              string   `pulumi:"repo"`
	ReleaseVersion    string   `pulumi:"releaseVersion"`
	AssetName         string   `pulumi:"assetName,optional"`
	Executable        string   `pulumi:"executable,optional"`
	BinFolder         string   `pulumi:"binFolder,optional"`
	BinLocation       string   `pulumi:"binLocation,optional"`
	InstallCommands   []string `pulumi:"installCommands,optional"`
	UninstallCommands []string `pulumi:"uninstallCommands,optional"`
	UpdateCommands    []string `pulumi:"updateCommands,optional"`

	// Version is the resolved release tag.
	Version       string `pulumi:"version"`
	DownloadURL   string `pulumi:"downloadURL"`
	ResolvedAsset string `pulumi:"resolvedAsset"`
	// Environment holds every variable the commands saw, user values included.
	Environment    map[string]string `pulumi:"environment"`
	Interpreter    []string          `pulumi:"interpreter"`
	Locations      []string          `pulumi:"locations"`
	InstallDir     string            `pulumi:"installDir"`
	ExecutablePath string            `pulumi:"executablePath"`
}

// Resolver finds and fetches release assets.
type Resolver interface {
	Resolve(ctx context.Context, q release.Query) (release.Release, error)
	Download(ctx context.Context, rel release.Release, w io.Writer) (int64, error)
}

// Options configure an [Engine].
type Options struct {
	StagingRoot string
	// BinLocation is used when a spec names none. Empty means executables are not linked.
	BinLocation     string
	DownloadTimeout time.Duration
	CommandTimeout  time.Duration
	// GOOS and GOARCH select platform assets. They default to the running platform.
	GOOS, GOARCH string
}

// Engine installs and removes release assets.
type Engine struct {
	resolver Resolver
	opts     Options
	probe    *fsprobe.Probe
}

var _ lifecycle.Reconciler[Spec, State] = (*Engine)(nil)

func New(resolver Resolver, opts Options) *Engine {
	return &Engine{resolver: resolver, opts: opts, probe: fsprobe.OS()}
}

func (e *Engine) binLocation(spec Spec) string {
	if spec.BinLocation != "" {
		return spec.BinLocation
	}
	return e.opts.BinLocation
}

func (e *Engine) instanceDir(id string) string {
	return filepath.Join(e.opts.StagingRoot, instanceKey(id))
}

func releaseVersion(spec Spec) string {
	if spec.ReleaseVersion == "" {
		return release.Latest
	}
	return spec.ReleaseVersion
}

// Validate checks spec without touching the network or the filesystem.
func (e *Engine) Validate(spec Spec) error {
	if spec.Org == "" {
		return &failure.ValidationError{Field: "org", Reason: "must not be empty"}
	}
	if spec.Repo == "" {
		return &failure.ValidationError{Field: "repo", Reason: "must not be empty"}
	}
	for field, path := range map[string]string{"executable": spec.Executable, "binFolder": spec.BinFolder} {
		if path != "" && !filepath.IsLocal(filepath.FromSlash(path)) {
			return &failure.ValidationError{Field: field, Reason: "must be a relative path inside the release asset"}
		}
	}
	for k := range spec.Environment {
		if strings.HasPrefix(k, reservedPrefix) {
			return &failure.ValidationError{Field: "environment", Reason: fmt.Sprintf("%s uses the reserved %s prefix", k, reservedPrefix)}
		}
	}
	if e.opts.StagingRoot == "" {
		return &failure.ValidationError{Field: "stagingRoot", Reason: "the provider has no staging root"}
	}
	return nil
}

func userEnvironment(env map[string]string) map[string]string {
	user := map[string]string{}
	for k, v := range env {
		if !strings.HasPrefix(k, reservedPrefix) {
			user[k] = v
		}
	}
	return user
}

// Diff reports the fields of spec that differ from prior. Only the repository identity
// forces a replacement; everything else is applied by Update.
func (e *Engine) Diff(spec Spec, prior State) []lifecycle.Change {
	var changes []lifecycle.Change
	add := func(field string, changed, replace bool) {
		if changed {
			changes = append(changes, lifecycle.Change{Field: field, Replace: replace})
		}
	}
	add("org", spec.Org != prior.Org, true)
	add("repo", spec.Repo != prior.Repo, true)
	add("releaseVersion", releaseVersion(spec) != prior.ReleaseVersion, false)
	add("assetName", spec.AssetName != prior.AssetName, false)
	add("executable", spec.Executable != prior.Executable, false)
	add("binFolder", spec.BinFolder != prior.BinFolder, false)
	add("binLocation", e.binLocation(spec) != prior.BinLocation, false)
	add("installCommands", !slices.Equal(spec.InstallCommands, prior.InstallCommands), false)
	add("uninstallCommands", !slices.Equal(spec.UninstallCommands, prior.UninstallCommands), false)
	add("updateCommands", !slices.Equal(spec.UpdateCommands, prior.UpdateCommands), false)
	interp := command.Runner{Interpreter: spec.Interpreter}.ResolvedInterpreter()
	add("interpreter", !slices.Equal(interp, prior.Interpreter), false)
	add("environment", !maps.Equal(userEnvironment(spec.Environment), userEnvironment(prior.Environment)), false)
	return changes
}

func (e *Engine) query(spec Spec) release.Query {
	return release.Query{
		Org:       spec.Org,
		Repo:      spec.Repo,
		Version:   releaseVersion(spec),
		AssetName: spec.AssetName,
		GOOS:      e.opts.GOOS,
		GOARCH:    e.opts.GOARCH,
	}
}

// Preview resolves the release spec would install and projects the resulting state
// without changing anything on disk.
func (e *Engine) Preview(ctx context.Context, id string, spec Spec) (State, error) {
	rel, err := e.resolver.Resolve(ctx, e.query(spec))
	if err != nil {
		return State{}, err
	}
	binLoc := e.binLocation(spec)
	root := filepath.Join(e.instanceDir(id), rootName(rel.Tag, rel.Asset.Name, spec, binLoc))
	st := e.newState(spec, rel, root, "", nil)
	return st, nil
}

// Create downloads, extracts and installs the release spec resolves to.
func (e *Engine) Create(ctx context.Context, id string, spec Spec) (State, error) {
	rel, err := e.resolver.Resolve(ctx, e.query(spec))
	if err != nil {
		return State{}, err
	}

	dir := e.instanceDir(id)
	unlock, err := lockInstance(ctx, dir)
	if err != nil {
		return State{}, err
	}
	defer unlock()

	st, cleanupErr, err := e.install(ctx, dir, spec, rel)
	if err != nil {
		if cleanupErr == nil {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				p.GetLogger(ctx).Warningf("removing staging directory %s: %v", dir, rmErr)
			}
		}
		return State{}, err
	}
	return st, nil
}

func (e *Engine) newState(spec Spec, rel release.Release, root, exe string, locations []string) State {
	binLoc := e.binLocation(spec)
	env := userEnvironment(spec.Environment)
	env[EnvArtifactRoot] = root
	env[EnvExecutable] = exe
	env[EnvVersion] = rel.Tag
	env[EnvAssetName] = rel.Asset.Name
	env[EnvBinLocation] = binLoc
	return State{
		Org:               spec.Org,
		Repo:              spec.Repo,
		ReleaseVersion:    releaseVersion(spec),
		AssetName:         spec.AssetName,
		Executable:        spec.Executable,
		BinFolder:         spec.BinFolder,
		BinLocation:       binLoc,
		InstallCommands:   spec.InstallCommands,
		UninstallCommands: spec.UninstallCommands,
		UpdateCommands:    spec.UpdateCommands,
		Version:           rel.Tag,
		DownloadURL:       rel.Asset.DownloadURL,
		ResolvedAsset:     rel.Asset.Name,
		Environment:       env,
		Interpreter:       command.Runner{Interpreter: spec.Interpreter}.ResolvedInterpreter(),
		Locations:         locations,
		InstallDir:        root,
		ExecutablePath:    exe,
	}
}

func (e *Engine) runner(st State) command.Runner {
	return command.Runner{
		Interpreter: st.Interpreter,
		Dir:         st.InstallDir,
		Env:         st.Environment,
		Timeout:     e.opts.CommandTimeout,
	}
}

// install puts rel into a fresh artifact root of the instance directory dir and marks
// the instance installed. On failure everything it created is removed again; cleanupErr
// reports when that did not fully succeed, in which case the marker still says
// installing.
func (e *Engine) install(ctx context.Context, dir string, spec Spec, rel release.Release) (st State, cleanupErr, err error) {
	binLoc := e.binLocation(spec)
	root := filepath.Join(dir, rootName(rel.Tag, rel.Asset.Name, spec, binLoc))
	if err := writeStatus(dir, statusInstalling, rel.Tag); err != nil {
		return State{}, nil, fmt.Errorf("marking %s: %w", dir, err)
	}

	var links []createdLink
	defer func() {
		if err == nil {
			return
		}
		p.GetLogger(ctx).Debugf("install of %s/%s@%s failed, cleaning up %s", spec.Org, spec.Repo, rel.Tag, root)
		var errs *multierror.Error
		if rbErr := e.restoreLinks(links); rbErr != nil {
			errs = multierror.Append(errs, rbErr)
		}
		if rmErr := os.RemoveAll(root); rmErr != nil {
			errs = multierror.Append(errs, rmErr)
		}
		cleanupErr = errs.ErrorOrNil()
		if cleanupErr != nil {
			p.GetLogger(ctx).Warningf("partial install left in %s: %v", dir, cleanupErr)
		}
	}()

	if err := os.RemoveAll(root); err != nil {
		return State{}, nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return State{}, nil, err
	}

	p.GetLogger(ctx).InfoStatusf("downloading %s", rel.Asset.Name)
	download, err := e.download(ctx, dir, rel)
	if download != "" {
		defer os.Remove(download)
	}
	if err != nil {
		return State{}, nil, err
	}

	name := spec.Repo
	if spec.Executable != "" {
		name = filepath.Base(filepath.FromSlash(spec.Executable))
	}
	if err := extract(download, root, rel.Asset.Name, name); err != nil {
		return State{}, nil, fmt.Errorf("unpacking %s: %w", rel.Asset.Name, err)
	}

	var exes []string
	if release.FormatOf(rel.Asset.Name) == release.Raw {
		exes = []string{filepath.Join(root, name)}
	} else if exes, err = locate(root, spec); err != nil {
		return State{}, nil, err
	}

	st = e.newState(spec, rel, root, exes[0], nil)
	if _, err := e.runner(st).RunAll(ctx, spec.InstallCommands); err != nil {
		return State{}, nil, installCommandError("install", err)
	}

	if binLoc != "" {
		links, err = e.linkExecutables(binLoc, exes)
		if err != nil {
			return State{}, nil, err
		}
		for _, l := range links {
			st.Locations = append(st.Locations, l.path)
		}
	}

	if err := writeStatus(dir, statusInstalled, rel.Tag); err != nil {
		return State{}, nil, fmt.Errorf("marking %s: %w", dir, err)
	}
	logging.V(5).Infof("installed %s/%s@%s into %s", spec.Org, spec.Repo, rel.Tag, root)
	return st, nil, nil
}

func installCommandError(phase string, err error) error {
	var f *failure.CommandFailure
	if errors.As(err, &f) {
		return failure.NewInstallCommandError(phase, f)
	}
	return err
}

func (e *Engine) download(ctx context.Context, dir string, rel release.Release) (string, error) {
	f, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", err
	}
	if e.opts.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.DownloadTimeout)
		defer cancel()
	}
	n, err := e.resolver.Download(ctx, rel, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return f.Name(), err
	}
	logging.V(7).Infof("downloaded %d bytes of %s", n, rel.Asset.Name)
	return f.Name(), nil
}

// Read reports the installation as it is on disk. An install whose artifact root or
// executable is gone, or that never finished, no longer exists.
func (e *Engine) Read(ctx context.Context, id string, prior State) (State, error) {
	if prior.InstallDir == "" {
		return State{}, lifecycle.ErrGone
	}
	info, err := e.probe.Stat(prior.InstallDir)
	if err != nil {
		return State{}, err
	}
	if info.Kind != fsprobe.Dir {
		return State{}, lifecycle.ErrGone
	}
	if status, _, err := readStatus(filepath.Dir(prior.InstallDir)); err != nil {
		return State{}, err
	} else if status != statusInstalled {
		p.GetLogger(ctx).Debugf("%s is marked %q", prior.InstallDir, status)
		return State{}, lifecycle.ErrGone
	}
	if exe, err := e.probe.Stat(prior.ExecutablePath); err != nil {
		return State{}, err
	} else if !exe.Exists() {
		return State{}, lifecycle.ErrGone
	}

	st := prior
	st.Locations = nil
	for _, loc := range prior.Locations {
		ok, err := e.linksInto(loc, prior.InstallDir)
		if err != nil {
			return State{}, err
		}
		if ok {
			st.Locations = append(st.Locations, loc)
		}
	}
	return st, nil
}

func (e *Engine) needsReinstall(spec Spec, rel release.Release, prior State) (bool, error) {
	if rel.Tag != prior.Version || rel.Asset.Name != prior.ResolvedAsset ||
		spec.Executable != prior.Executable || spec.BinFolder != prior.BinFolder ||
		e.binLocation(spec) != prior.BinLocation {
		return true, nil
	}
	info, err := e.probe.Stat(prior.InstallDir)
	if err != nil {
		return false, err
	}
	return info.Kind != fsprobe.Dir, nil
}

// Update re-resolves the release. A different tag, asset or layout is installed next to
// the old installation after its uninstall commands ran; the old one is removed once the
// new one works. Otherwise only the update commands run.
func (e *Engine) Update(ctx context.Context, id string, spec Spec, prior State) (State, error) {
	rel, err := e.resolver.Resolve(ctx, e.query(spec))
	if err != nil {
		return State{}, err
	}
	dir := e.instanceDir(id)
	unlock, err := lockInstance(ctx, dir)
	if err != nil {
		return State{}, err
	}
	defer unlock()

	reinstall, err := e.needsReinstall(spec, rel, prior)
	if err != nil {
		return State{}, err
	}

	if !reinstall {
		st := e.newState(spec, rel, prior.InstallDir, prior.ExecutablePath, prior.Locations)
		if _, err := e.runner(st).RunAll(ctx, spec.UpdateCommands); err != nil {
			return State{}, installCommandError("update", err)
		}
		return st, nil
	}

	p.GetLogger(ctx).Infof("replacing %s/%s %s with %s", spec.Org, spec.Repo, prior.Version, rel.Tag)
	if info, err := e.probe.Stat(prior.InstallDir); err == nil && info.Kind == fsprobe.Dir {
		if failures := e.runner(prior).RunEach(ctx, prior.UninstallCommands); len(failures) > 0 {
			return State{}, &failure.UninstallError{Failures: failures}
		}
	}

	st, _, err := e.install(ctx, dir, spec, rel)
	if err != nil {
		if prior.InstallDir != "" {
			// The old installation is still the current one.
			_ = writeStatus(dir, statusInstalled, prior.Version)
		}
		return State{}, err
	}

	if prior.InstallDir != "" && prior.InstallDir != st.InstallDir {
		var stale []string
		for _, loc := range prior.Locations {
			if !slices.Contains(st.Locations, loc) {
				stale = append(stale, loc)
			}
		}
		if err := e.removeLinks(stale, prior.InstallDir); err != nil {
			p.GetLogger(ctx).Warningf("removing old links: %v", err)
		}
		if err := os.RemoveAll(prior.InstallDir); err != nil {
			p.GetLogger(ctx).Warningf("removing %s: %v", prior.InstallDir, err)
		}
	}
	return st, nil
}

// Delete runs every uninstall command, then removes the links and files of the
// installation. Command failures do not stop the removal; they are reported together.
func (e *Engine) Delete(ctx context.Context, id string, prior State) error {
	dir := e.instanceDir(id)
	unlock, err := lockInstance(ctx, dir)
	if err != nil {
		return err
	}
	defer unlock()

	var failures []failure.CommandFailure
	info, err := e.probe.Stat(prior.InstallDir)
	if err != nil {
		return err
	}
	if prior.InstallDir != "" && info.Kind == fsprobe.Dir {
		if err := writeStatus(dir, statusUninstalling, prior.Version); err != nil {
			return fmt.Errorf("marking %s: %w", dir, err)
		}
		failures = e.runner(prior).RunEach(ctx, prior.UninstallCommands)
	} else {
		logging.V(5).Infof("%s is already gone, skipping uninstall commands", prior.InstallDir)
	}

	var cleanup *multierror.Error
	if prior.InstallDir != "" {
		if err := e.removeLinks(prior.Locations, prior.InstallDir); err != nil {
			cleanup = multierror.Append(cleanup, err)
		}
		if err := os.RemoveAll(prior.InstallDir); err != nil {
			cleanup = multierror.Append(cleanup, err)
		}
	}
	if cleanup.ErrorOrNil() == nil {
		if err := os.RemoveAll(dir); err != nil {
			cleanup = multierror.Append(cleanup, err)
		}
	}

	if len(failures) > 0 || cleanup.ErrorOrNil() != nil {
		return &failure.UninstallError{Failures: failures, Cleanup: cleanup.ErrorOrNil()}
	}
	return nil
}
