package installer

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corymhall/pulumi-provider-pde/internal/failure"
	"github.com/corymhall/pulumi-provider-pde/internal/lifecycle"
	"github.com/corymhall/pulumi-provider-pde/internal/release"
)

const script = "#!/bin/sh\necho hi\n"

type entry struct {
	name string
	body string
	mode int64
	link string
	dir  bool
}

func tarGz(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: e.mode}
		switch {
		case e.dir:
			hdr.Typeflag = tar.TypeDir
		case e.link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.link
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func zipBytes(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		fh := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		fh.SetMode(os.FileMode(e.mode))
		w, err := zw.CreateHeader(fh)
		require.NoError(t, err)
		_, err = io.WriteString(w, e.body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type fakeResolver struct {
	mu     sync.Mutex
	tag    string
	asset  string
	blobs  map[string][]byte
	failOn error
}

func (f *fakeResolver) publish(tag, asset string, blob []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blobs == nil {
		f.blobs = map[string][]byte{}
	}
	f.tag, f.asset = tag, asset
	f.blobs[asset] = blob
}

func (f *fakeResolver) Resolve(ctx context.Context, q release.Query) (release.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != nil {
		return release.Release{}, f.failOn
	}
	return release.Release{
		Org:  q.Org,
		Repo: q.Repo,
		Tag:  f.tag,
		Asset: release.Asset{
			ID:          1,
			Name:        f.asset,
			DownloadURL: "https://example.test/" + f.asset,
		},
	}, nil
}

func (f *fakeResolver) Download(ctx context.Context, rel release.Release, w io.Writer) (int64, error) {
	f.mu.Lock()
	blob := f.blobs[rel.Asset.Name]
	f.mu.Unlock()
	n, err := w.Write(blob)
	return int64(n), err
}

type harness struct {
	engine   *Engine
	resolver *fakeResolver
	staging  string
	bin      string
	markers  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("install commands use a POSIX shell")
	}
	dir := t.TempDir()
	h := &harness{
		resolver: &fakeResolver{},
		staging:  filepath.Join(dir, "staging"),
		bin:      filepath.Join(dir, "bin"),
		markers:  filepath.Join(dir, "markers"),
	}
	require.NoError(t, os.MkdirAll(h.markers, 0o755))
	h.engine = New(h.resolver, Options{
		StagingRoot:     h.staging,
		BinLocation:     h.bin,
		DownloadTimeout: time.Minute,
		CommandTimeout:  time.Minute,
	})
	h.resolver.publish("v1.0.0", "tool_linux_amd64.tar.gz", tarGz(t,
		entry{name: "tool/", dir: true, mode: 0o755},
		entry{name: "tool/bin/tool", body: script, mode: 0o755},
		entry{name: "tool/README.md", body: "docs", mode: 0o644},
	))
	return h
}

func (h *harness) spec(mods ...func(*Spec)) Spec {
	s := Spec{
		Org:         "acme",
		Repo:        "tool",
		Environment: map[string]string{"MARKERS": h.markers},
	}
	for _, m := range mods {
		m(&s)
	}
	return s
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.TrimSpace(string(b))
}

func TestCreateInstallsArchive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	st, err := h.engine.Create(t.Context(), "tool", h.spec(func(s *Spec) {
		s.InstallCommands = []string{`echo "$PDE_VERSION $PDE_ASSET_NAME" > installed.txt`}
	}))
	require.NoError(t, err)

	assert.Equal(t, "v1.0.0", st.Version)
	assert.Equal(t, "latest", st.ReleaseVersion)
	assert.Equal(t, "https://example.test/tool_linux_amd64.tar.gz", st.DownloadURL)
	assert.Equal(t, filepath.Join(st.InstallDir, "tool", "bin", "tool"), st.ExecutablePath)
	assert.Equal(t, "v1.0.0 tool_linux_amd64.tar.gz", readFile(t, filepath.Join(st.InstallDir, "installed.txt")))

	link := filepath.Join(h.bin, "tool")
	assert.Equal(t, []string{link}, st.Locations)
	dest, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, st.ExecutablePath, dest)

	assert.Equal(t, st.InstallDir, st.Environment[EnvArtifactRoot])
	assert.Equal(t, st.ExecutablePath, st.Environment[EnvExecutable])
	assert.Equal(t, h.bin, st.Environment[EnvBinLocation])
	assert.Equal(t, h.markers, st.Environment["MARKERS"])

	status, tag, err := readStatus(filepath.Dir(st.InstallDir))
	require.NoError(t, err)
	assert.Equal(t, statusInstalled, status)
	assert.Equal(t, "v1.0.0", tag)
}

func TestCreateInstallsRawAsset(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.resolver.publish("v2.1.0", "tool-linux-amd64", []byte(script))

	st, err := h.engine.Create(t.Context(), "raw", h.spec(func(s *Spec) { s.Executable = "bin/mytool" }))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(st.InstallDir, "mytool"), st.ExecutablePath)
	fi, err := os.Stat(st.ExecutablePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())
	assert.Equal(t, []string{filepath.Join(h.bin, "mytool")}, st.Locations)
}

func TestCreateInstallsZipBinFolder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.resolver.publish("v3.0.0", "suite.zip", zipBytes(t,
		entry{name: "suite/bin/alpha", body: script, mode: 0o755},
		entry{name: "suite/bin/beta", body: script, mode: 0o755},
		entry{name: "suite/share/notes", body: "x", mode: 0o644},
	))

	st, err := h.engine.Create(t.Context(), "suite", h.spec(func(s *Spec) {
		s.BinFolder = "suite/bin"
		s.Executable = "beta"
	}))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(st.InstallDir, "suite", "bin", "beta"), st.ExecutablePath)
	assert.ElementsMatch(t, []string{filepath.Join(h.bin, "alpha"), filepath.Join(h.bin, "beta")}, st.Locations)
}

func TestInstallCommandFailureCleansUp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.engine.Create(t.Context(), "tool", h.spec(func(s *Spec) {
		s.InstallCommands = []string{"exit 0", "echo oops >&2; exit 3", `touch "$MARKERS/never"`}
	}))
	var cmdErr *failure.InstallCommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "install", cmdErr.Phase)
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Equal(t, "oops", cmdErr.Stderr)

	assert.NoFileExists(t, filepath.Join(h.markers, "never"))
	assert.NoDirExists(t, h.engine.instanceDir("tool"))
	_, err = os.Lstat(filepath.Join(h.bin, "tool"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCanceledInstallCleansUp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	_, err := h.engine.Create(ctx, "tool", h.spec(func(s *Spec) {
		s.InstallCommands = []string{"sleep 10"}
	}))
	require.Error(t, err)
	assert.NoDirExists(t, h.engine.instanceDir("tool"))
}

func TestBinLocationOccupied(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(h.bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.bin, "tool"), []byte("mine"), 0o644))

	_, err := h.engine.Create(t.Context(), "tool", h.spec())
	var exists *failure.TargetExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "mine", readFile(t, filepath.Join(h.bin, "tool")))
	assert.NoDirExists(t, h.engine.instanceDir("tool"))
}

func TestExecutableInference(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		entries []entry
		spec    Spec
		want    string
		field   string
	}{
		{
			name:    "sole executable",
			entries: []entry{{name: "x/run", body: script, mode: 0o755}, {name: "x/LICENSE", body: "l", mode: 0o644}},
			spec:    Spec{Repo: "tool"},
			want:    "x/run",
		},
		{
			name:    "named like the repo",
			entries: []entry{{name: "helper", body: script, mode: 0o755}, {name: "tool", body: script, mode: 0o755}},
			spec:    Spec{Repo: "tool"},
			want:    "tool",
		},
		{
			name:    "ambiguous",
			entries: []entry{{name: "a", body: script, mode: 0o755}, {name: "b", body: script, mode: 0o755}},
			spec:    Spec{Repo: "tool"},
			field:   "executable",
		},
		{
			name:    "none",
			entries: []entry{{name: "a", body: "x", mode: 0o644}},
			spec:    Spec{Repo: "tool"},
			field:   "executable",
		},
		{
			name:    "explicit",
			entries: []entry{{name: "a", body: script, mode: 0o755}, {name: "sub/b", body: script, mode: 0o644}},
			spec:    Spec{Repo: "tool", Executable: "sub/b"},
			want:    "sub/b",
		},
		{
			name:    "explicit missing",
			entries: []entry{{name: "a", body: script, mode: 0o755}},
			spec:    Spec{Repo: "tool", Executable: "nope"},
			field:   "executable",
		},
		{
			name:    "bin folder missing",
			entries: []entry{{name: "a", body: script, mode: 0o755}},
			spec:    Spec{Repo: "tool", BinFolder: "bin"},
			field:   "binFolder",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			root := t.TempDir()
			require.NoError(t, untgz(bytes.NewReader(tarGz(t, tt.entries...)), root))

			got, err := locate(root, tt.spec)
			if tt.field != "" {
				var v *failure.ValidationError
				require.ErrorAs(t, err, &v)
				assert.Equal(t, tt.field, v.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(root, filepath.FromSlash(tt.want)), got[0])
		})
	}
}

func TestExtractRejectsEscapes(t *testing.T) {
	t.Parallel()

	tests := map[string]entry{
		"parent path":       {name: "../evil", body: "x", mode: 0o644},
		"absolute link":     {name: "link", link: "/etc/passwd"},
		"link outside root": {name: "a/link", link: "../../outside"},
	}
	for name, e := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			root := filepath.Join(dir, "root")
			require.NoError(t, os.MkdirAll(root, 0o755))

			err := untgz(bytes.NewReader(tarGz(t, e)), root)
			require.Error(t, err)
			assert.NoFileExists(t, filepath.Join(dir, "evil"))
		})
	}

	// Each link is inside the root on its own; followed together they lead out of it.
	chains := map[string][]entry{
		"entry through a link": {
			{name: "a", link: "."},
			{name: "a/b", link: ".."},
			{name: "b/evil", body: "x", mode: 0o644},
		},
		"link through a link": {
			{name: "a", link: "."},
			{name: "a/evil", link: "../evil"},
		},
	}
	for name, entries := range chains {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			root := filepath.Join(dir, "root")
			require.NoError(t, os.MkdirAll(root, 0o755))

			err := untgz(bytes.NewReader(tarGz(t, entries...)), root)
			require.Error(t, err)
			assert.NoFileExists(t, filepath.Join(dir, "evil"))
		})
	}

	t.Run("zip entry through a link", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		root := filepath.Join(dir, "root")
		require.NoError(t, os.MkdirAll(root, 0o755))
		src := filepath.Join(dir, "x.zip")
		link := int64(os.ModeSymlink | 0o777)
		require.NoError(t, os.WriteFile(src, zipBytes(t,
			entry{name: "a", body: ".", mode: link},
			entry{name: "a/b", body: "..", mode: link},
			entry{name: "b/evil", body: "x", mode: 0o644},
		), 0o644))

		require.Error(t, extract(src, root, "x.zip", "x"))
		assert.NoFileExists(t, filepath.Join(dir, "evil"))
	})

	t.Run("file replaces an earlier link", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		root := filepath.Join(dir, "root")
		require.NoError(t, os.MkdirAll(root, 0o755))
		require.NoError(t, untgz(bytes.NewReader(tarGz(t,
			entry{name: "a", link: "."},
			entry{name: "d", link: "a/../evil"},
			entry{name: "d", body: "x", mode: 0o644},
		)), root))
		assert.NoFileExists(t, filepath.Join(dir, "evil"))
		assert.Equal(t, "x", readFile(t, filepath.Join(root, "d")))
	})

	t.Run("link inside root", func(t *testing.T) {
		t.Parallel()
		root := t.TempDir()
		require.NoError(t, untgz(bytes.NewReader(tarGz(t,
			entry{name: "bin/real", body: script, mode: 0o755},
			entry{name: "bin/alias", link: "real"},
		)), root))
		dest, err := os.Readlink(filepath.Join(root, "bin", "alias"))
		require.NoError(t, err)
		assert.Equal(t, "real", dest)
	})
}

func TestUpdateSameVersionRunsUpdateCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()

	prior, err := h.engine.Create(ctx, "tool", h.spec())
	require.NoError(t, err)

	spec := h.spec(func(s *Spec) { s.UpdateCommands = []string{`touch "$MARKERS/updated-$PDE_VERSION"`} })
	st, err := h.engine.Update(ctx, "tool", spec, prior)
	require.NoError(t, err)
	assert.Equal(t, prior.InstallDir, st.InstallDir)
	assert.Equal(t, prior.Locations, st.Locations)
	assert.Equal(t, spec.UpdateCommands, st.UpdateCommands)
	assert.FileExists(t, filepath.Join(h.markers, "updated-v1.0.0"))

	spec.UpdateCommands = []string{"exit 9"}
	_, err = h.engine.Update(ctx, "tool", spec, st)
	var cmdErr *failure.InstallCommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "update", cmdErr.Phase)
	assert.Equal(t, 9, cmdErr.ExitCode)
}

func TestUpdateNewVersionReinstalls(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()

	spec := h.spec(func(s *Spec) {
		s.UninstallCommands = []string{`touch "$MARKERS/uninstalled-$PDE_VERSION"`}
		s.UpdateCommands = []string{`touch "$MARKERS/update-ran"`}
	})
	prior, err := h.engine.Create(ctx, "tool", spec)
	require.NoError(t, err)

	h.resolver.publish("v1.1.0", "tool_linux_amd64_v2.tar.gz", tarGz(t,
		entry{name: "tool", body: script, mode: 0o755},
	))
	st, err := h.engine.Update(ctx, "tool", spec, prior)
	require.NoError(t, err)

	assert.Equal(t, "v1.1.0", st.Version)
	assert.NotEqual(t, prior.InstallDir, st.InstallDir)
	assert.NoDirExists(t, prior.InstallDir)
	assert.DirExists(t, st.InstallDir)
	assert.FileExists(t, filepath.Join(h.markers, "uninstalled-v1.0.0"))
	assert.NoFileExists(t, filepath.Join(h.markers, "update-ran"))

	dest, err := os.Readlink(filepath.Join(h.bin, "tool"))
	require.NoError(t, err)
	assert.Equal(t, st.ExecutablePath, dest)
}

func TestUpdateUninstallFailureKeepsOldInstall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()

	spec := h.spec(func(s *Spec) { s.UninstallCommands = []string{"exit 4"} })
	prior, err := h.engine.Create(ctx, "tool", spec)
	require.NoError(t, err)

	h.resolver.publish("v1.1.0", "tool.tar.gz", tarGz(t, entry{name: "tool", body: script, mode: 0o755}))
	_, err = h.engine.Update(ctx, "tool", spec, prior)
	var uninstall *failure.UninstallError
	require.ErrorAs(t, err, &uninstall)
	require.Len(t, uninstall.Failures, 1)
	assert.Equal(t, 4, uninstall.Failures[0].ExitCode)

	assert.DirExists(t, prior.InstallDir)
	dest, err := os.Readlink(filepath.Join(h.bin, "tool"))
	require.NoError(t, err)
	assert.Equal(t, prior.ExecutablePath, dest)

	got, err := h.engine.Read(ctx, "tool", prior)
	require.NoError(t, err)
	assert.Equal(t, prior.Locations, got.Locations)
}

func TestDeleteCollectsFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()

	prior, err := h.engine.Create(ctx, "tool", h.spec(func(s *Spec) {
		s.UninstallCommands = []string{"exit 1", `touch "$MARKERS/ran"`, "exit 2"}
	}))
	require.NoError(t, err)

	err = h.engine.Delete(ctx, "tool", prior)
	var uninstall *failure.UninstallError
	require.ErrorAs(t, err, &uninstall)
	require.Len(t, uninstall.Failures, 2)
	assert.Equal(t, 1, uninstall.Failures[0].ExitCode)
	assert.Equal(t, 2, uninstall.Failures[1].ExitCode)
	assert.NoError(t, uninstall.Cleanup)
	assert.Contains(t, err.Error(), "uninstall finished with 2 failure(s)")

	assert.FileExists(t, filepath.Join(h.markers, "ran"))
	assert.NoDirExists(t, h.engine.instanceDir("tool"))
	_, err = os.Lstat(filepath.Join(h.bin, "tool"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// A retried delete converges without running the commands again.
	require.NoError(t, os.Remove(filepath.Join(h.markers, "ran")))
	require.NoError(t, h.engine.Delete(ctx, "tool", prior))
	assert.NoFileExists(t, filepath.Join(h.markers, "ran"))
}

func TestDeleteLeavesForeignEntries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()

	prior, err := h.engine.Create(ctx, "tool", h.spec())
	require.NoError(t, err)
	link := filepath.Join(h.bin, "tool")
	require.NoError(t, os.Remove(link))
	require.NoError(t, os.WriteFile(link, []byte("someone else"), 0o644))

	require.NoError(t, h.engine.Delete(ctx, "tool", prior))
	assert.Equal(t, "someone else", readFile(t, link))
}

func TestReadReportsGone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()

	prior, err := h.engine.Create(ctx, "tool", h.spec())
	require.NoError(t, err)

	got, err := h.engine.Read(ctx, "tool", prior)
	require.NoError(t, err)
	assert.Equal(t, prior, got)

	require.NoError(t, os.Remove(filepath.Join(h.bin, "tool")))
	got, err = h.engine.Read(ctx, "tool", prior)
	require.NoError(t, err)
	assert.Empty(t, got.Locations)

	require.NoError(t, os.RemoveAll(prior.InstallDir))
	_, err = h.engine.Read(ctx, "tool", prior)
	assert.ErrorIs(t, err, lifecycle.ErrGone)

	_, err = h.engine.Read(ctx, "tool", State{})
	assert.ErrorIs(t, err, lifecycle.ErrGone)
}

func TestConcurrentInstancesAreIsolated(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var wg sync.WaitGroup
	states := make([]State, 4)
	for i := range states {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bin := filepath.Join(h.markers, fmt.Sprintf("bin%d", i))
			st, err := h.engine.Create(t.Context(), fmt.Sprintf("tool-%d", i), h.spec(func(s *Spec) { s.BinLocation = bin }))
			assert.NoError(t, err)
			states[i] = st
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, st := range states {
		assert.False(t, seen[st.InstallDir], "install dirs must not be shared")
		seen[st.InstallDir] = true
		assert.FileExists(t, st.ExecutablePath)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	e := New(&fakeResolver{}, Options{StagingRoot: t.TempDir()})

	tests := []struct {
		spec  Spec
		field string
	}{
		{Spec{Repo: "r"}, "org"},
		{Spec{Org: "o"}, "repo"},
		{Spec{Org: "o", Repo: "r", Executable: "../x"}, "executable"},
		{Spec{Org: "o", Repo: "r", BinFolder: "/abs"}, "binFolder"},
		{Spec{Org: "o", Repo: "r", Environment: map[string]string{"PDE_VERSION": "x"}}, "environment"},
	}
	for _, tt := range tests {
		var v *failure.ValidationError
		require.ErrorAs(t, e.Validate(tt.spec), &v)
		assert.Equal(t, tt.field, v.Field)
	}
	assert.NoError(t, e.Validate(Spec{Org: "o", Repo: "r", Executable: "bin/x"}))
}

func TestDiff(t *testing.T) {
	t.Parallel()
	e := New(&fakeResolver{}, Options{StagingRoot: t.TempDir(), BinLocation: "/bin-default"})
	spec := Spec{Org: "o", Repo: "r", Environment: map[string]string{"A": "1"}}
	prior := e.newState(spec, release.Release{Tag: "v1"}, "/root", "/root/r", nil)

	assert.Empty(t, e.Diff(spec, prior), "the PDE_ variables are not user input")

	changed := spec
	changed.Org = "other"
	changed.AssetName = "x.tar.gz"
	changed.Environment = map[string]string{"A": "2"}
	assert.ElementsMatch(t, []lifecycle.Change{
		{Field: "org", Replace: true},
		{Field: "assetName"},
		{Field: "environment"},
	}, e.Diff(changed, prior))

	explicit := spec
	explicit.BinLocation = "/bin-default"
	explicit.ReleaseVersion = "latest"
	assert.Empty(t, e.Diff(explicit, prior))
}
