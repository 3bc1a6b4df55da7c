package installer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/corymhall/pulumi-provider-pde/internal/failure"
	"github.com/corymhall/pulumi-provider-pde/internal/fsprobe"
)

// createdLink is a bin link made by an install. previous is the destination of the link
// it replaced, if any.
type createdLink struct {
	path     string
	previous string
}

// linkExecutables links every executable into binLocation. Existing symlinks are
// replaced; any other existing entry stops the install.
func (e *Engine) linkExecutables(binLocation string, exes []string) ([]createdLink, error) {
	if err := os.MkdirAll(binLocation, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", binLocation, err)
	}
	var created []createdLink
	for _, exe := range exes {
		path := filepath.Join(binLocation, filepath.Base(exe))
		info, err := e.probe.Stat(path)
		if err != nil {
			return created, err
		}
		link := createdLink{path: path}
		switch info.Kind {
		case fsprobe.Absent:
		case fsprobe.Symlink:
			link.previous = info.LinkTarget
		default:
			return created, &failure.TargetExistsError{Target: path, Reason: fmt.Sprintf("a %s is in the way", info.Kind)}
		}
		if err := replaceSymlink(exe, path); err != nil {
			return created, err
		}
		created = append(created, link)
	}
	return created, nil
}

// replaceSymlink points path at dest, swapping any existing link in one rename.
func replaceSymlink(dest, path string) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".pde-tmp")
	_ = os.Remove(tmp)
	if err := os.Symlink(dest, tmp); err != nil {
		return fmt.Errorf("linking %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("linking %s: %w", path, err)
	}
	return nil
}

// restoreLinks undoes linkExecutables.
func (e *Engine) restoreLinks(links []createdLink) error {
	var errs *multierror.Error
	for i := len(links) - 1; i >= 0; i-- {
		l := links[i]
		var err error
		if l.previous != "" {
			err = replaceSymlink(l.previous, l.path)
		} else if err = os.Remove(l.path); errors.Is(err, fs.ErrNotExist) {
			err = nil
		}
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// linksInto reports whether path is a symlink into dir.
func (e *Engine) linksInto(path, dir string) (bool, error) {
	info, err := e.probe.Stat(path)
	if err != nil || info.Kind != fsprobe.Symlink {
		return false, err
	}
	return info.LinkTarget == dir || strings.HasPrefix(info.LinkTarget, filepath.Clean(dir)+string(filepath.Separator)), nil
}

// removeLinks removes the entries of paths that still link into dir. Anything else was
// changed by someone else and is left alone.
func (e *Engine) removeLinks(paths []string, dir string) error {
	var errs *multierror.Error
	for _, path := range paths {
		ok, err := e.linksInto(path, dir)
		if err == nil && ok {
			err = os.Remove(path)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
