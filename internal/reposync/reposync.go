// Package reposync keeps clones of GitHub repositories under a workspace root.
package reposync

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	p "github.com/pulumi/pulumi-go-provider"
	"github.com/pulumi/pulumi/sdk/v3/go/common/util/logging"

	"github.com/corymhall/pulumi-provider-pde/internal/command"
	"github.com/corymhall/pulumi-provider-pde/internal/failure"
	"github.com/corymhall/pulumi-provider-pde/internal/fsprobe"
	"github.com/corymhall/pulumi-provider-pde/internal/lifecycle"
)

// Variables exposed to install, update and uninstall commands.
const (
	EnvRepoRoot = "PDE_REPO_ROOT"
	EnvBranch   = "PDE_BRANCH"
	EnvVersion  = "PDE_VERSION"

	reservedPrefix = "PDE_"
	remoteName     = "origin"
)

// Spec is the desired clone.
type Spec struct {
	Org               string            `pulumi:"org"`
	Repo              string            `pulumi:"repo"`
	Branch            string            `pulumi:"branch,optional"`
	FolderName        string            `pulumi:"folderName,optional"`
	InstallCommands   []string          `pulumi:"installCommands,optional"`
	UninstallCommands []string          `pulumi:"uninstallCommands,optional"`
	UpdateCommands    []string          `pulumi:"updateCommands,optional"`
	Interpreter       []string          `pulumi:"interpreter,optional"`
	Environment       map[string]string `pulumi:"environment,optional"`
}

// State is a clone as it was last synchronized.
type State struct {
	Org               string   `pulumi:"org"`
	Repo              string   `pulumi:"repo"`
	Branch            string   `pulumi:"branch"`
	FolderName        string   `pulumi:"folderName"`
	InstallCommands   []string `pulumi:"installCommands,optional"`
	UninstallCommands []string `pulumi:"uninstallCommands,optional"`
	UpdateCommands    []string `pulumi:"updateCommands,optional"`

	AbsFolderName string `pulumi:"absFolderName"`
	// Version is the commit checked out.
	Version     string            `pulumi:"version"`
	Environment map[string]string `pulumi:"environment"`
	Interpreter []string          `pulumi:"interpreter"`
}

// Options configure an [Engine].
type Options struct {
	WorkspaceRoot string
	// GitBaseURL prefixes "<org>/<repo>". It may be a URL or a local directory of mirrors.
	GitBaseURL     string
	Token          string
	GitTimeout     time.Duration
	CommandTimeout time.Duration
}

// Engine clones, updates and removes repositories.
type Engine struct {
	opts  Options
	probe *fsprobe.Probe
}

var _ lifecycle.Reconciler[Spec, State] = (*Engine)(nil)

func New(opts Options) *Engine {
	if opts.GitBaseURL == "" {
		opts.GitBaseURL = "https://github.com"
	}
	return &Engine{opts: opts, probe: fsprobe.OS()}
}

func folderName(spec Spec) string {
	if spec.FolderName != "" {
		return spec.FolderName
	}
	return spec.Repo
}

func (e *Engine) absFolder(spec Spec) string {
	return filepath.Join(e.opts.WorkspaceRoot, filepath.FromSlash(folderName(spec)))
}

func isRemote(base string) bool {
	return strings.Contains(base, "://") || strings.HasPrefix(base, "git@")
}

// CloneURL is where the repository of spec is fetched from.
func (e *Engine) CloneURL(spec Spec) string {
	if !isRemote(e.opts.GitBaseURL) {
		return filepath.Join(e.opts.GitBaseURL, spec.Org, spec.Repo)
	}
	return strings.TrimSuffix(e.opts.GitBaseURL, "/") + "/" + spec.Org + "/" + spec.Repo
}

func (e *Engine) auth() transport.AuthMethod {
	if e.opts.Token == "" || !isRemote(e.opts.GitBaseURL) {
		return nil
	}
	return &http.BasicAuth{Username: "x-access-token", Password: e.opts.Token}
}

func (e *Engine) gitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.GitTimeout > 0 {
		return context.WithTimeout(ctx, e.opts.GitTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) Validate(spec Spec) error {
	if spec.Org == "" {
		return &failure.ValidationError{Field: "org", Reason: "must not be empty"}
	}
	if spec.Repo == "" {
		return &failure.ValidationError{Field: "repo", Reason: "must not be empty"}
	}
	if !filepath.IsLocal(filepath.FromSlash(folderName(spec))) {
		return &failure.ValidationError{Field: "folderName", Reason: "must be a relative path inside the workspace"}
	}
	for k := range spec.Environment {
		if strings.HasPrefix(k, reservedPrefix) {
			return &failure.ValidationError{Field: "environment", Reason: fmt.Sprintf("%s uses the reserved %s prefix", k, reservedPrefix)}
		}
	}
	if e.opts.WorkspaceRoot == "" {
		return &failure.ValidationError{Field: "workspaceRoot", Reason: "the provider has no workspace root"}
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

// Diff reports what changed. The repository, its folder and its branch can only change
// by cloning again.
func (e *Engine) Diff(spec Spec, prior State) []lifecycle.Change {
	var changes []lifecycle.Change
	add := func(field string, changed, replace bool) {
		if changed {
			changes = append(changes, lifecycle.Change{Field: field, Replace: replace})
		}
	}
	add("org", spec.Org != prior.Org, true)
	add("repo", spec.Repo != prior.Repo, true)
	add("folderName", folderName(spec) != prior.FolderName, true)
	add("branch", spec.Branch != "" && spec.Branch != prior.Branch, true)
	add("installCommands", !slices.Equal(spec.InstallCommands, prior.InstallCommands), false)
	add("uninstallCommands", !slices.Equal(spec.UninstallCommands, prior.UninstallCommands), false)
	add("updateCommands", !slices.Equal(spec.UpdateCommands, prior.UpdateCommands), false)
	interp := command.Runner{Interpreter: spec.Interpreter}.ResolvedInterpreter()
	add("interpreter", !slices.Equal(interp, prior.Interpreter), false)
	add("environment", !maps.Equal(userEnvironment(spec.Environment), userEnvironment(prior.Environment)), false)
	return changes
}

func (e *Engine) newState(spec Spec, abs, branch, version string) State {
	env := userEnvironment(spec.Environment)
	env[EnvRepoRoot] = abs
	env[EnvBranch] = branch
	env[EnvVersion] = version
	return State{
		Org:               spec.Org,
		Repo:              spec.Repo,
		Branch:            branch,
		FolderName:        folderName(spec),
		InstallCommands:   spec.InstallCommands,
		UninstallCommands: spec.UninstallCommands,
		UpdateCommands:    spec.UpdateCommands,
		AbsFolderName:     abs,
		Version:           version,
		Environment:       env,
		Interpreter:       command.Runner{Interpreter: spec.Interpreter}.ResolvedInterpreter(),
	}
}

// Preview projects the state spec would produce without touching the disk or the
// remote. Unknown values are carried over from prior.
func (e *Engine) Preview(spec Spec, prior State) State {
	branch := spec.Branch
	if branch == "" {
		branch = prior.Branch
	}
	return e.newState(spec, e.absFolder(spec), branch, prior.Version)
}

func (e *Engine) runner(st State) command.Runner {
	return command.Runner{
		Interpreter: st.Interpreter,
		Dir:         st.AbsFolderName,
		Env:         st.Environment,
		Timeout:     e.opts.CommandTimeout,
	}
}

func head(repo *git.Repository) (branch, version string, err error) {
	ref, err := repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("reading HEAD: %w", err)
	}
	return ref.Name().Short(), ref.Hash().String(), nil
}

// Create clones the repository and runs the install commands. An existing clone of the
// same repository is adopted instead.
func (e *Engine) Create(ctx context.Context, id string, spec Spec) (State, error) {
	abs := e.absFolder(spec)
	info, err := e.probe.Stat(abs)
	if err != nil {
		return State{}, err
	}
	empty, err := e.probe.IsEmptyDir(abs)
	if err != nil {
		return State{}, err
	}

	var repo *git.Repository
	cloned := false
	switch {
	case !info.Exists() || empty:
		if repo, err = e.clone(ctx, spec, abs); err != nil {
			if !info.Exists() {
				_ = os.RemoveAll(abs)
			}
			return State{}, err
		}
		cloned = true
	default:
		if repo, err = e.adopt(ctx, spec, abs, info); err != nil {
			return State{}, err
		}
	}

	branch, version, err := head(repo)
	if err != nil {
		return State{}, err
	}
	st := e.newState(spec, abs, branch, version)
	if _, err := e.runner(st).RunAll(ctx, spec.InstallCommands); err != nil {
		if cloned {
			if rmErr := os.RemoveAll(abs); rmErr != nil {
				p.GetLogger(ctx).Warningf("removing %s: %v", abs, rmErr)
			}
		}
		return State{}, installCommandError("install", err)
	}
	return st, nil
}

func (e *Engine) clone(ctx context.Context, spec Spec, abs string) (*git.Repository, error) {
	url := e.CloneURL(spec)
	opts := &git.CloneOptions{
		URL:          url,
		Auth:         e.auth(),
		RemoteName:   remoteName,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if spec.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(spec.Branch)
	}

	p.GetLogger(ctx).InfoStatusf("cloning %s/%s", spec.Org, spec.Repo)
	logging.V(5).Infof("cloning %s into %s", url, abs)
	gctx, cancel := e.gitContext(ctx)
	defer cancel()
	repo, err := git.PlainCloneContext(gctx, abs, false, opts)
	if err != nil {
		return nil, e.classify(spec, url, err)
	}
	return repo, nil
}

func (e *Engine) classify(spec Spec, url string, err error) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return &failure.NotFoundError{Org: spec.Org, Repo: spec.Repo}
	case errors.Is(err, plumbing.ErrReferenceNotFound), errors.Is(err, git.NoMatchingRefSpecError{}):
		return &failure.BranchNotFoundError{Repo: spec.Org + "/" + spec.Repo, Branch: spec.Branch}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("syncing %s: %w", url, err)
	default:
		return &failure.CloneError{URL: url, Err: err}
	}
}

func sameRemote(a, b string) bool {
	norm := func(s string) string {
		return strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")
	}
	return norm(a) == norm(b)
}

// adopt takes over a clone that already sits at abs.
func (e *Engine) adopt(ctx context.Context, spec Spec, abs string, info fsprobe.Info) (*git.Repository, error) {
	exists := func(reason string) error {
		return &failure.TargetExistsError{Target: abs, Reason: reason}
	}
	if info.Kind != fsprobe.Dir {
		return nil, exists(fmt.Sprintf("a %s is in the way", info.Kind))
	}
	repo, err := git.PlainOpen(abs)
	if err != nil {
		return nil, exists("the folder is not empty and is not a git repository")
	}
	remote, err := repo.Remote(remoteName)
	if err != nil || len(remote.Config().URLs) == 0 || !sameRemote(remote.Config().URLs[0], e.CloneURL(spec)) {
		return nil, exists("the folder is a clone of a different repository")
	}
	branch, _, err := head(repo)
	if err != nil {
		return nil, err
	}
	if spec.Branch != "" && branch != spec.Branch {
		return nil, exists(fmt.Sprintf("the clone is on branch %s", branch))
	}

	p.GetLogger(ctx).Infof("adopting existing clone %s", abs)
	if err := e.pull(ctx, spec, repo, abs, branch); err != nil {
		return nil, err
	}
	return repo, nil
}

func (e *Engine) pull(ctx context.Context, spec Spec, repo *git.Repository, abs, branch string) error {
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	gctx, cancel := e.gitContext(ctx)
	defer cancel()
	err = wt.PullContext(gctx, &git.PullOptions{
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Auth:          e.auth(),
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, git.ErrNonFastForwardUpdate), errors.Is(err, git.ErrUnstagedChanges):
		return &failure.MergeConflictError{Path: abs, Branch: branch, Err: err}
	default:
		return e.classify(spec, e.CloneURL(spec), err)
	}
}

// Read inspects the local clone. It never contacts the remote.
func (e *Engine) Read(ctx context.Context, id string, prior State) (State, error) {
	if prior.AbsFolderName == "" {
		return State{}, lifecycle.ErrGone
	}
	info, err := e.probe.Stat(prior.AbsFolderName)
	if err != nil {
		return State{}, err
	}
	if info.Kind != fsprobe.Dir {
		return State{}, lifecycle.ErrGone
	}
	repo, err := git.PlainOpen(prior.AbsFolderName)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return State{}, lifecycle.ErrGone
	} else if err != nil {
		return State{}, err
	}
	branch, version, err := head(repo)
	if err != nil {
		return State{}, err
	}

	st := prior
	st.Branch = branch
	st.Version = version
	st.Environment = maps.Clone(prior.Environment)
	if st.Environment == nil {
		st.Environment = map[string]string{}
	}
	st.Environment[EnvBranch] = branch
	st.Environment[EnvVersion] = version
	return st, nil
}

// Update fast-forwards the clone and runs the update commands. When they fail the clone
// is reset to the commit it had before.
func (e *Engine) Update(ctx context.Context, id string, spec Spec, prior State) (State, error) {
	if spec.Branch != "" && spec.Branch != prior.Branch {
		return State{}, &failure.ReplaceRequiredError{
			Fields: []string{"branch"},
			Reason: fmt.Sprintf("the clone is on %s, not %s", prior.Branch, spec.Branch),
		}
	}
	abs := prior.AbsFolderName
	repo, err := git.PlainOpen(abs)
	if err != nil {
		return State{}, &failure.ReplaceRequiredError{
			Fields: []string{"folderName"},
			Reason: fmt.Sprintf("no clone at %s", abs),
		}
	}
	_, before, err := head(repo)
	if err != nil {
		return State{}, err
	}

	p.GetLogger(ctx).InfoStatusf("pulling %s/%s", spec.Org, spec.Repo)
	if err := e.pull(ctx, spec, repo, abs, prior.Branch); err != nil {
		return State{}, err
	}
	_, after, err := head(repo)
	if err != nil {
		return State{}, err
	}

	st := e.newState(spec, abs, prior.Branch, after)
	if _, err := e.runner(st).RunAll(ctx, spec.UpdateCommands); err != nil {
		if before != after {
			if rbErr := e.reset(repo, before); rbErr != nil {
				p.GetLogger(ctx).Warningf("resetting %s to %s: %v", abs, before, rbErr)
			}
		}
		return State{}, installCommandError("update", err)
	}
	return st, nil
}

func (e *Engine) reset(repo *git.Repository, commit string) error {
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Reset(&git.ResetOptions{Commit: plumbing.NewHash(commit), Mode: git.HardReset})
}

// Delete runs every uninstall command and removes the clone. Command failures do not
// stop the removal; they are reported together.
func (e *Engine) Delete(ctx context.Context, id string, prior State) error {
	abs := prior.AbsFolderName
	if abs == "" {
		return nil
	}
	info, err := e.probe.Stat(abs)
	if err != nil {
		return err
	}
	if info.Kind != fsprobe.Dir {
		logging.V(5).Infof("%s is already gone, skipping uninstall commands", abs)
		return nil
	}

	failures := e.runner(prior).RunEach(ctx, prior.UninstallCommands)
	cleanup := os.RemoveAll(abs)
	if len(failures) > 0 || cleanup != nil {
		return &failure.UninstallError{Failures: failures, Cleanup: cleanup}
	}
	return nil
}

func installCommandError(phase string, err error) error {
	var f *failure.CommandFailure
	if errors.As(err, &f) {
		return failure.NewInstallCommandError(phase, f)
	}
	return err
}
