// Package link manages symbolic links as resources.
//
// A plain link is one symlink at the target. A recursive link of a directory is a real
// directory tree at the target that mirrors the source, with one symlink per file.
package link

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	p "github.com/pulumi/pulumi-go-provider"
	"github.com/pulumi/pulumi/sdk/v3/go/common/util/logging"
	"github.com/spf13/afero"

	"github.com/corymhall/pulumi-provider-pde/internal/failure"
	"github.com/corymhall/pulumi-provider-pde/internal/fsprobe"
	"github.com/corymhall/pulumi-provider-pde/internal/lifecycle"
)

// Reconciled status of a link.
const (
	Linked   = "Linked"
	Absent   = "Absent"
	Conflict = "Conflict"
)

type Spec struct {
	Source    string `pulumi:"source"`
	Target    string `pulumi:"target"`
	Overwrite bool   `pulumi:"overwrite,optional"`
	Recursive bool   `pulumi:"recursive,optional"`
	Retain    bool   `pulumi:"retain,optional"`
}

type State struct {
	Source    string `pulumi:"source"`
	Target    string `pulumi:"target"`
	Overwrite bool   `pulumi:"overwrite"`
	Recursive bool   `pulumi:"recursive"`
	Retain    bool   `pulumi:"retain"`

	IsDir  bool   `pulumi:"isDir"`
	Linked bool   `pulumi:"linked"`
	Result string `pulumi:"result"`
	// Targets are the symlinks that were created.
	Targets []string `pulumi:"targets"`
}

// Engine reconciles links on a filesystem that supports symlinks.
type Engine struct {
	fs    afero.Fs
	probe *fsprobe.Probe
}

var _ lifecycle.Reconciler[Spec, State] = (*Engine)(nil)

// New returns an engine over fs. A nil fs means the host filesystem.
func New(fs afero.Fs) *Engine {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Engine{fs: fs, probe: fsprobe.New(fs)}
}

// ExpandHome turns a leading "~/" into the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}

func (e *Engine) Validate(spec Spec) error {
	for _, f := range []struct{ field, path string }{{"source", spec.Source}, {"target", spec.Target}} {
		if f.path == "" {
			return &failure.ValidationError{Field: f.field, Reason: "must not be empty"}
		}
		if !filepath.IsAbs(f.path) {
			return &failure.ValidationError{Field: f.field, Reason: "must be an absolute path"}
		}
	}
	if filepath.Clean(spec.Source) == filepath.Clean(spec.Target) {
		return &failure.ValidationError{Field: "target", Reason: "must differ from source"}
	}
	if rel, err := filepath.Rel(spec.Source, spec.Target); err == nil && filepath.IsLocal(rel) && spec.Recursive {
		return &failure.ValidationError{Field: "target", Reason: "must not be inside source for a recursive link"}
	}
	return nil
}

// Diff reports what changed. A new source is a different link; everything else is
// relinked in place. A link that drifted into conflict also needs an update.
func (e *Engine) Diff(spec Spec, prior State) []lifecycle.Change {
	var changes []lifecycle.Change
	if spec.Source != prior.Source {
		changes = append(changes, lifecycle.Change{Field: "source", Replace: true})
	}
	if spec.Target != prior.Target {
		changes = append(changes, lifecycle.Change{Field: "target"})
	}
	if spec.Recursive != prior.Recursive {
		changes = append(changes, lifecycle.Change{Field: "recursive"})
	}
	if spec.Overwrite != prior.Overwrite {
		changes = append(changes, lifecycle.Change{Field: "overwrite"})
	}
	if spec.Retain != prior.Retain {
		changes = append(changes, lifecycle.Change{Field: "retain"})
	}
	if prior.Result != "" && prior.Result != Linked && len(changes) == 0 {
		changes = append(changes, lifecycle.Change{Field: "result"})
	}
	return changes
}

// pair is one symlink of a layout.
type pair struct {
	link, dest string
}

// layout is what a spec puts on disk.
type layout struct {
	isDir bool
	// tree is set for recursive directory links. dirs are created, in walk order.
	tree  bool
	dirs  []string
	pairs []pair
}

func (l layout) targets() []string {
	out := make([]string, len(l.pairs))
	for i, lp := range l.pairs {
		out[i] = lp.link
	}
	return out
}

// plan computes the layout of spec from the current source.
func (e *Engine) plan(spec Spec) (layout, error) {
	src, err := e.probe.Stat(spec.Source)
	if err != nil {
		return layout{}, err
	}
	if src.Resolved == fsprobe.Absent {
		return layout{}, &failure.SourceNotFoundError{Source: spec.Source}
	}
	l := layout{isDir: src.Resolved == fsprobe.Dir}
	if !spec.Recursive || !l.isDir {
		l.pairs = []pair{{link: spec.Target, dest: spec.Source}}
		return l, nil
	}

	l.tree = true
	root, err := e.probe.Resolve(spec.Source)
	if err != nil {
		return layout{}, err
	}
	err = afero.Walk(e.fs, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(spec.Target, rel)
		if info.IsDir() {
			l.dirs = append(l.dirs, dst)
			return nil
		}
		l.pairs = append(l.pairs, pair{link: dst, dest: filepath.Join(spec.Source, rel)})
		return nil
	})
	if err != nil {
		return layout{}, fmt.Errorf("walking %s: %w", spec.Source, err)
	}
	return l, nil
}

// priorLayout rebuilds the layout a state recorded.
func priorLayout(st State) layout {
	l := layout{isDir: st.IsDir, tree: st.Recursive && st.IsDir}
	if !l.tree {
		l.pairs = []pair{{link: st.Target, dest: st.Source}}
		return l
	}
	for _, t := range st.Targets {
		rel, err := filepath.Rel(st.Target, t)
		if err != nil || !filepath.IsLocal(rel) {
			continue
		}
		l.pairs = append(l.pairs, pair{link: t, dest: filepath.Join(st.Source, rel)})
	}
	return l
}

// observe reports whether l is on disk.
func (e *Engine) observe(target string, l layout) (string, error) {
	info, err := e.probe.Stat(target)
	if err != nil {
		return "", err
	}
	if !info.Exists() {
		return Absent, nil
	}
	if l.tree && info.Kind != fsprobe.Dir {
		return Conflict, nil
	}
	for _, lp := range l.pairs {
		ok, err := e.probe.LinksTo(lp.link, lp.dest)
		if err != nil {
			return "", err
		}
		if !ok {
			return Conflict, nil
		}
	}
	return Linked, nil
}

func newState(spec Spec, l layout, result string) State {
	return State{
		Source:    spec.Source,
		Target:    spec.Target,
		Overwrite: spec.Overwrite,
		Recursive: spec.Recursive,
		Retain:    spec.Retain,
		IsDir:     l.isDir,
		Linked:    result == Linked,
		Result:    result,
		Targets:   l.targets(),
	}
}

func specOf(st State) Spec {
	return Spec{Source: st.Source, Target: st.Target, Overwrite: st.Overwrite, Recursive: st.Recursive, Retain: st.Retain}
}

// Preview projects the state spec would produce without changing anything. A source
// that does not exist yet is assumed to become what prior recorded.
func (e *Engine) Preview(spec Spec, prior State) State {
	l, err := e.plan(spec)
	if err != nil {
		l = layout{isDir: prior.IsDir, pairs: []pair{{link: spec.Target, dest: spec.Source}}}
	}
	return newState(spec, l, Linked)
}

// Create links target to source. An existing target is only replaced when overwrite is
// set. A failure removes everything the attempt created.
func (e *Engine) Create(ctx context.Context, id string, spec Spec) (State, error) {
	l, err := e.plan(spec)
	if err != nil {
		return State{}, err
	}
	status, err := e.observe(spec.Target, l)
	if err != nil {
		return State{}, err
	}
	if status == Linked {
		logging.V(7).Infof("%s already links to %s", spec.Target, spec.Source)
		return newState(spec, l, Linked), nil
	}
	if err := e.apply(ctx, spec, l); err != nil {
		return State{}, err
	}
	return newState(spec, l, Linked), nil
}

// apply puts l on disk.
func (e *Engine) apply(ctx context.Context, spec Spec, l layout) (err error) {
	aside, err := e.clearTarget(spec)
	if err != nil {
		return err
	}

	var created []string
	defer func() {
		if err == nil {
			if aside != "" {
				if rmErr := e.fs.RemoveAll(aside); rmErr != nil {
					p.GetLogger(ctx).Warningf("removing replaced %s: %v", aside, rmErr)
				}
			}
			return
		}
		for i := len(created) - 1; i >= 0; i-- {
			_ = e.fs.Remove(created[i])
		}
		if aside != "" {
			if rbErr := e.fs.Rename(aside, spec.Target); rbErr != nil {
				p.GetLogger(ctx).Warningf("restoring %s from %s: %v", spec.Target, aside, rbErr)
			}
		}
	}()

	linker, ok := e.fs.(afero.Linker)
	if !ok {
		return errors.New("the filesystem does not support symlinks")
	}
	if err := e.fs.MkdirAll(filepath.Dir(spec.Target), 0o755); err != nil {
		return err
	}
	for _, dir := range l.dirs {
		if err := e.fs.Mkdir(dir, 0o755); err != nil {
			return err
		}
		created = append(created, dir)
	}
	for _, lp := range l.pairs {
		if err := linker.SymlinkIfPossible(lp.dest, lp.link); err != nil {
			return fmt.Errorf("linking %s: %w", lp.link, err)
		}
		created = append(created, lp.link)
	}
	return nil
}

// clearTarget makes room for a new link. A replaced entry is moved aside so a failed
// attempt can put it back; the returned path names it.
func (e *Engine) clearTarget(spec Spec) (string, error) {
	info, err := e.probe.Stat(spec.Target)
	if err != nil || !info.Exists() {
		return "", err
	}
	if !spec.Overwrite {
		return "", &failure.TargetExistsError{Target: spec.Target, Reason: fmt.Sprintf("a %s is in the way", info.Kind)}
	}
	if info.Kind == fsprobe.Dir && !spec.Recursive {
		empty, err := e.probe.IsEmptyDir(spec.Target)
		if err != nil {
			return "", err
		}
		if !empty {
			return "", &failure.TargetExistsError{
				Target: spec.Target,
				Reason: "a non-empty directory is in the way; only recursive links replace one",
			}
		}
	}
	aside := spec.Target + ".pde-replaced"
	if err := e.fs.RemoveAll(aside); err != nil {
		return "", err
	}
	if err := e.fs.Rename(spec.Target, aside); err != nil {
		return "", fmt.Errorf("moving %s aside: %w", spec.Target, err)
	}
	return aside, nil
}

// Read reports how the recorded link looks on disk. Drift is reported as a conflict and
// left alone.
func (e *Engine) Read(ctx context.Context, id string, prior State) (State, error) {
	l := priorLayout(prior)
	status, err := e.observe(prior.Target, l)
	if err != nil {
		return State{}, err
	}
	if status == Absent {
		return State{}, lifecycle.ErrGone
	}
	st := prior
	st.Result = status
	st.Linked = status == Linked
	if status == Conflict {
		p.GetLogger(ctx).Warningf("%s no longer links to %s", prior.Target, prior.Source)
	}
	return st, nil
}

// Update relinks in place. The recorded layout is removed and the new one created; when
// that fails the recorded layout is restored.
func (e *Engine) Update(ctx context.Context, id string, spec Spec, prior State) (State, error) {
	if spec.Source != prior.Source {
		return State{}, &failure.ReplaceRequiredError{Fields: []string{"source"}, Reason: "a link cannot change its source"}
	}
	old := priorLayout(prior)
	status, err := e.observe(prior.Target, old)
	if err != nil {
		return State{}, err
	}
	if status == Conflict && !spec.Overwrite {
		info, err := e.probe.Stat(prior.Target)
		if err != nil {
			return State{}, err
		}
		actual := info.Kind.String()
		if info.Kind == fsprobe.Symlink {
			actual = "link to " + info.LinkTarget
		}
		return State{}, &failure.ConflictError{Target: prior.Target, Expected: prior.Source, Actual: actual}
	}

	next, err := e.plan(spec)
	if err != nil {
		return State{}, err
	}
	if status == Linked && spec.Target == prior.Target && spec.Recursive == prior.Recursive &&
		slices.Equal(next.targets(), prior.Targets) {
		return newState(spec, next, Linked), nil
	}

	if err := e.unlink(ctx, prior, old, false); err != nil {
		return State{}, err
	}
	if err := e.apply(ctx, spec, next); err != nil {
		if restoreErr := e.apply(ctx, specOf(prior), old); restoreErr != nil {
			p.GetLogger(ctx).Warningf("restoring %s: %v", prior.Target, restoreErr)
		}
		return State{}, err
	}
	return newState(spec, next, Linked), nil
}

// Delete removes the recorded links. With retain each link is replaced by a copy of what
// it pointed at. Entries that are no longer our links are left untouched.
func (e *Engine) Delete(ctx context.Context, id string, prior State) error {
	return e.unlink(ctx, prior, priorLayout(prior), prior.Retain)
}

func (e *Engine) unlink(ctx context.Context, st State, l layout, retain bool) error {
	for _, lp := range l.pairs {
		ok, err := e.probe.LinksTo(lp.link, lp.dest)
		if err != nil {
			return err
		}
		if !ok {
			logging.V(5).Infof("leaving %s alone: it is not a link to %s", lp.link, lp.dest)
			continue
		}
		if err := e.fs.Remove(lp.link); err != nil {
			return fmt.Errorf("removing %s: %w", lp.link, err)
		}
		if retain {
			if err := e.copy(ctx, lp.dest, lp.link); err != nil {
				return err
			}
		}
	}
	if l.tree && !retain {
		e.removeEmptyDirs(st.Target, l)
	}
	return nil
}

// removeEmptyDirs removes the directories of a recursive layout that nothing else uses.
func (e *Engine) removeEmptyDirs(target string, l layout) {
	seen := map[string]bool{target: true}
	for _, lp := range l.pairs {
		for dir := filepath.Dir(lp.link); dir != target && strings.HasPrefix(dir, target); dir = filepath.Dir(dir) {
			seen[dir] = true
		}
	}
	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	// Deepest first.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		if empty, err := e.probe.IsEmptyDir(d); err == nil && empty {
			_ = e.fs.Remove(d)
		}
	}
}

// copy materializes src at dst.
func (e *Engine) copy(ctx context.Context, src, dst string) error {
	info, err := e.fs.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		p.GetLogger(ctx).Warningf("cannot retain %s: %s is gone", dst, src)
		return nil
	} else if err != nil {
		return err
	}
	if !info.IsDir() {
		return e.copyFile(src, dst, info.Mode())
	}
	return afero.Walk(e.fs, src, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)
		if info.IsDir() {
			return e.fs.MkdirAll(out, info.Mode().Perm()|0o700)
		}
		return e.copyFile(path, out, info.Mode())
	})
}

func (e *Engine) copyFile(src, dst string, mode fs.FileMode) error {
	f, err := e.fs.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := afero.WriteReader(e.fs, dst, f); err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return e.fs.Chmod(dst, mode.Perm())
}
