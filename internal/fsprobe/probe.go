// Package fsprobe inspects local paths without following the final symlink.
package fsprobe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

type Kind int

const (
	Absent Kind = iota
	File
	Dir
	Symlink
	Other
)

func (k Kind) String() string {
	switch k {
	case Absent:
		return "absent"
	case File:
		return "file"
	case Dir:
		return "directory"
	case Symlink:
		return "symlink"
	default:
		return "other"
	}
}

// Info describes one path.
type Info struct {
	Path string
	Kind Kind
	Mode fs.FileMode
	// LinkTarget is the absolute, cleaned destination of a symlink.
	LinkTarget string
	// Resolved is the kind of whatever a symlink points at. It is Absent for dangling links
	// and equal to Kind for everything else.
	Resolved Kind
}

// Exists reports whether anything, including a dangling symlink, occupies the path.
func (i Info) Exists() bool { return i.Kind != Absent }

// Probe answers questions about the filesystem.
type Probe struct {
	fs afero.Fs
}

// New returns a probe over fs. Symlink details are only visible when fs implements
// [afero.Lstater] and [afero.LinkReader], as [afero.OsFs] does.
func New(fs afero.Fs) *Probe {
	return &Probe{fs: fs}
}

// OS returns a probe over the host filesystem.
func OS() *Probe { return New(afero.NewOsFs()) }

// Fs is the filesystem the probe reads.
func (p *Probe) Fs() afero.Fs { return p.fs }

// Stat describes path. A missing path is not an error: it is reported as [Absent].
func (p *Probe) Stat(path string) (Info, error) {
	info := Info{Path: path}

	fi, err := p.lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return info, nil
	} else if err != nil {
		return info, fmt.Errorf("inspecting %s: %w", path, err)
	}
	info.Mode = fi.Mode()
	info.Kind = kindOf(fi.Mode())
	info.Resolved = info.Kind
	if info.Kind != Symlink {
		return info, nil
	}

	reader, ok := p.fs.(afero.LinkReader)
	if !ok {
		return info, fmt.Errorf("inspecting %s: filesystem cannot read links", path)
	}
	dest, err := reader.ReadlinkIfPossible(path)
	if err != nil {
		return info, fmt.Errorf("reading link %s: %w", path, err)
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(filepath.Dir(path), dest)
	}
	info.LinkTarget = filepath.Clean(dest)

	resolved, err := p.fs.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		info.Resolved = Absent
	case err != nil:
		return info, fmt.Errorf("resolving link %s: %w", path, err)
	default:
		info.Resolved = kindOf(resolved.Mode())
	}
	return info, nil
}

const maxHops = 255

// Resolve follows path through every symlink hop and returns the final destination.
func (p *Probe) Resolve(path string) (string, error) {
	start := path
	for range maxHops {
		info, err := p.Stat(path)
		if err != nil {
			return "", err
		}
		if info.Kind != Symlink {
			return path, nil
		}
		path = info.LinkTarget
	}
	return "", fmt.Errorf("resolving %s: too many levels of symbolic links", start)
}

// LinksTo reports whether path is a symlink whose destination is source.
func (p *Probe) LinksTo(path, source string) (bool, error) {
	info, err := p.Stat(path)
	if err != nil {
		return false, err
	}
	if info.Kind != Symlink {
		return false, nil
	}
	want, err := filepath.Abs(source)
	if err != nil {
		return false, err
	}
	return info.LinkTarget == filepath.Clean(want), nil
}

// IsEmptyDir reports whether path is a directory with no entries.
func (p *Probe) IsEmptyDir(path string) (bool, error) {
	isDir, err := afero.IsDir(p.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil || !isDir {
		return false, err
	}
	return afero.IsEmpty(p.fs, path)
}

func (p *Probe) lstat(path string) (os.FileInfo, error) {
	if l, ok := p.fs.(afero.Lstater); ok {
		fi, _, err := l.LstatIfPossible(path)
		return fi, err
	}
	return p.fs.Stat(path)
}

func kindOf(mode fs.FileMode) Kind {
	switch {
	case mode&fs.ModeSymlink != 0:
		return Symlink
	case mode.IsDir():
		return Dir
	case mode.IsRegular():
		return File
	default:
		return Other
	}
}
