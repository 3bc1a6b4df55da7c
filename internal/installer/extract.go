package installer

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/pulumi/pulumi/sdk/v3/go/common/util/logging"

	"github.com/corymhall/pulumi-provider-pde/internal/failure"
	"github.com/corymhall/pulumi-provider-pde/internal/release"
)

// extract unpacks the downloaded file at src into root. A raw asset is moved to
// root/name and made executable.
func extract(src, root, assetName, name string) error {
	logging.V(7).Infof("extracting %s into %s", assetName, root)
	switch release.FormatOf(assetName) {
	case release.TarGz:
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		return untgz(f, root)
	case release.Zip:
		return unzip(src, root)
	default:
		dst := filepath.Join(root, name)
		if err := os.Rename(src, dst); err != nil {
			return err
		}
		return os.Chmod(dst, 0o755)
	}
}

// entryPath maps an archive entry onto the filesystem, refusing entries outside root.
func entryPath(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "./")))
	if clean == "." {
		return root, nil
	}
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("archive entry %q escapes the extraction root", name)
	}
	path := filepath.Join(root, clean)
	if err := throughLink(root, path); err != nil {
		return "", err
	}
	return path, nil
}

// throughLink refuses a path whose parent directories include a symlink an earlier entry
// created. Such a link can point anywhere once the links behind it are followed.
func throughLink(root, path string) error {
	rel, err := filepath.Rel(root, filepath.Dir(path))
	if err != nil || rel == "." {
		return err
	}
	dir := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		dir = filepath.Join(dir, part)
		fi, err := os.Lstat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		} else if err != nil {
			return err
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("archive entry %s passes through link %s", path, dir)
		}
	}
	return nil
}

// replaceLink removes a symlink left at path by an earlier entry so writes never follow it.
func replaceLink(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSymlink != 0 {
		return os.Remove(path)
	}
	return nil
}

// checkLink refuses a symlink at path whose destination leaves root.
func checkLink(root, path, dest string) error {
	if filepath.IsAbs(dest) {
		return fmt.Errorf("archive link %s points at absolute path %q", path, dest)
	}
	resolved := filepath.Join(filepath.Dir(path), dest)
	rel, err := filepath.Rel(root, resolved)
	if err != nil || !filepath.IsLocal(rel) {
		return fmt.Errorf("archive link %s points outside the extraction root", path)
	}
	return nil
}

func untgz(r io.Reader, root string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("reading gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}
		path, err := entryPath(root, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := replaceLink(path); err != nil {
				return err
			}
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(path, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := checkLink(root, path, hdr.Linkname); err != nil {
				return err
			}
			if err := symlink(hdr.Linkname, path); err != nil {
				return err
			}
		case tar.TypeLink:
			target, err := entryPath(root, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.Link(target, path); err != nil {
				return err
			}
		default:
			logging.V(9).Infof("skipping tar entry %s of type %c", hdr.Name, hdr.Typeflag)
		}
	}
}

func unzip(src, root string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("reading zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		path, err := entryPath(root, f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := replaceLink(path); err != nil {
				return err
			}
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case mode&fs.ModeSymlink != 0:
			dest, err := readZipEntry(f)
			if err != nil {
				return err
			}
			if err := checkLink(root, path, dest); err != nil {
				return err
			}
			if err := symlink(dest, path); err != nil {
				return err
			}
		default:
			rc, err := f.Open()
			if err != nil {
				return err
			}
			err = writeFile(path, rc, mode)
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func readZipEntry(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	return string(b), err
}

func writeFile(path string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := replaceLink(path); err != nil {
		return err
	}
	perm := mode.Perm() | 0o600
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	// OpenFile applies the umask; the archive's bits win.
	return os.Chmod(path, perm)
}

func symlink(dest, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.Symlink(dest, path)
}

func isExecutable(fi fs.FileInfo) bool {
	return fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0
}

// locate finds the executables to expose from an extracted tree. The first result is the
// primary executable.
func locate(root string, spec Spec) ([]string, error) {
	if spec.BinFolder != "" {
		return locateFolder(root, spec)
	}
	if spec.Executable != "" {
		path := filepath.Join(root, filepath.FromSlash(spec.Executable))
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			return nil, &failure.ValidationError{
				Field:  "executable",
				Reason: fmt.Sprintf("%q does not exist in the release asset", spec.Executable),
			}
		}
		return []string{path}, nil
	}

	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if isExecutable(fi) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", root, err)
	}
	sort.Strings(found)

	switch len(found) {
	case 0:
		return nil, &failure.ValidationError{Field: "executable", Reason: "the release asset contains no executable file"}
	case 1:
		return found, nil
	}
	var named []string
	for _, f := range found {
		if strings.TrimSuffix(filepath.Base(f), ".exe") == spec.Repo {
			named = append(named, f)
		}
	}
	if len(named) == 1 {
		return named, nil
	}
	rel := make([]string, len(found))
	for i, f := range found {
		rel[i], _ = filepath.Rel(root, f)
	}
	return nil, &failure.ValidationError{
		Field:  "executable",
		Reason: fmt.Sprintf("the release asset contains several executables (%s)", strings.Join(rel, ", ")),
	}
}

func locateFolder(root string, spec Spec) ([]string, error) {
	dir := filepath.Join(root, filepath.FromSlash(spec.BinFolder))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &failure.ValidationError{
			Field:  "binFolder",
			Reason: fmt.Sprintf("%q is not a folder in the release asset", spec.BinFolder),
		}
	}
	var files []string
	primary := -1
	for _, e := range entries {
		fi, err := os.Stat(filepath.Join(dir, e.Name()))
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		switch {
		case spec.Executable != "" && filepath.Base(spec.Executable) == e.Name():
			primary = len(files)
		case spec.Executable == "" && primary < 0 && strings.TrimSuffix(e.Name(), ".exe") == spec.Repo:
			primary = len(files)
		}
		files = append(files, path)
	}
	if len(files) == 0 {
		return nil, &failure.ValidationError{Field: "binFolder", Reason: fmt.Sprintf("%q contains no files", spec.BinFolder)}
	}
	if spec.Executable != "" && primary < 0 {
		return nil, &failure.ValidationError{
			Field:  "executable",
			Reason: fmt.Sprintf("%q is not in %q", spec.Executable, spec.BinFolder),
		}
	}
	if primary > 0 {
		files[0], files[primary] = files[primary], files[0]
	}
	return files, nil
}
