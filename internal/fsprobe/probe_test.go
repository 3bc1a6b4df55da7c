package fsprobe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStat(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o700))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(file, link))
	rel := filepath.Join(dir, "rel")
	require.NoError(t, os.Symlink("sub", rel))
	dangling := filepath.Join(dir, "dangling")
	require.NoError(t, os.Symlink(filepath.Join(dir, "nope"), dangling))

	p := OS()

	tests := []struct {
		path       string
		kind       Kind
		resolved   Kind
		linkTarget string
	}{
		{filepath.Join(dir, "missing"), Absent, Absent, ""},
		{file, File, File, ""},
		{sub, Dir, Dir, ""},
		{link, Symlink, File, file},
		{rel, Symlink, Dir, sub},
		{dangling, Symlink, Absent, filepath.Join(dir, "nope")},
	}
	for _, tt := range tests {
		info, err := p.Stat(tt.path)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.kind, info.Kind, tt.path)
		assert.Equal(t, tt.resolved, info.Resolved, tt.path)
		assert.Equal(t, tt.linkTarget, info.LinkTarget, tt.path)
	}

	ok, err := p.LinksTo(rel, sub)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.LinksTo(link, sub)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = p.LinksTo(file, file)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolve(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o700))
	require.NoError(t, os.Symlink("sub", filepath.Join(dir, "one")))
	require.NoError(t, os.Symlink(filepath.Join(dir, "one"), filepath.Join(dir, "two")))
	require.NoError(t, os.Symlink("loop", filepath.Join(dir, "loop")))

	p := OS()
	got, err := p.Resolve(filepath.Join(dir, "two"))
	require.NoError(t, err)
	assert.Equal(t, sub, got)

	got, err = p.Resolve(sub)
	require.NoError(t, err)
	assert.Equal(t, sub, got)

	_, err = p.Resolve(filepath.Join(dir, "loop"))
	assert.ErrorContains(t, err, "too many levels")
}

func TestIsEmptyDir(t *testing.T) {
	t.Parallel()
	p := New(afero.NewMemMapFs())
	require.NoError(t, p.Fs().MkdirAll("/empty", 0o755))
	require.NoError(t, afero.WriteFile(p.Fs(), "/full/a", []byte("a"), 0o644))

	empty, err := p.IsEmptyDir("/empty")
	require.NoError(t, err)
	assert.True(t, empty)

	empty, err = p.IsEmptyDir("/full")
	require.NoError(t, err)
	assert.False(t, empty)

	empty, err = p.IsEmptyDir("/missing")
	require.NoError(t, err)
	assert.False(t, empty)

	info, err := p.Stat("/full/a")
	require.NoError(t, err)
	assert.Equal(t, File, info.Kind)
}
