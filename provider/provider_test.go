package provider_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/blang/semver"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	p "github.com/pulumi/pulumi-go-provider"
	"github.com/pulumi/pulumi-go-provider/integration"
	"github.com/pulumi/pulumi/sdk/v3/go/common/resource"
	"github.com/pulumi/pulumi/sdk/v3/go/property"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pde "github.com/corymhall/pulumi-provider-pde/provider"
)

type env struct {
	dir       string
	staging   string
	workspace string
	bin       string
	markers   string
}

func newEnv(t *testing.T) env {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("symlinks and commands need a POSIX host")
	}
	dir := t.TempDir()
	e := env{
		dir:       dir,
		staging:   filepath.Join(dir, "staging"),
		workspace: filepath.Join(dir, "home"),
		bin:       filepath.Join(dir, "bin"),
		markers:   filepath.Join(dir, "markers"),
	}
	for _, d := range []string{e.workspace, e.markers} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	return e
}

func (e env) server(t *testing.T, extra map[string]property.Value) integration.Server {
	t.Helper()
	prov, err := pde.New()
	require.NoError(t, err)
	server, err := integration.NewServer(t.Context(), pde.Name, semver.MustParse(pde.Version),
		integration.WithProvider(prov))
	require.NoError(t, err)

	args := map[string]property.Value{
		"stagingRoot":   property.New(e.staging),
		"workspaceRoot": property.New(e.workspace),
		"binLocation":   property.New(e.bin),
		"githubToken":   property.New(""),
	}
	for k, v := range extra {
		args[k] = v
	}
	require.NoError(t, server.Configure(p.ConfigureRequest{Args: property.NewMap(args)}))
	return server
}

func stringList(values ...string) property.Value {
	out := make([]property.Value, len(values))
	for i, v := range values {
		out[i] = property.New(v)
	}
	return property.New(property.NewArray(out))
}

func TestConfigureRejectsBadValues(t *testing.T) {
	t.Parallel()
	prov, err := pde.New()
	require.NoError(t, err)

	for key, value := range map[string]property.Value{
		"resolveTimeout": property.New("soon"),
		"stagingRoot":    property.New("relative/staging"),
		"parallelism":    property.New(-1.0),
	} {
		server, err := integration.NewServer(t.Context(), pde.Name, semver.MustParse(pde.Version),
			integration.WithProvider(prov))
		require.NoError(t, err)
		err = server.Configure(p.ConfigureRequest{Args: property.NewMap(map[string]property.Value{key: value})})
		assert.ErrorContains(t, err, key)
	}
}

func TestLinkLifeCycle(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	server := e.server(t, nil)

	src := filepath.Join(e.dir, "dotfiles", "zshrc")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("export EDITOR=nvim\n"), 0o644))
	first := filepath.Join(e.workspace, ".zshrc")
	second := filepath.Join(e.workspace, ".config", "zsh", ".zshrc")

	integration.LifeCycleTest{
		Resource: "pde:local:Link",
		Create: integration.Operation{
			Inputs: property.NewMap(map[string]property.Value{
				"source": property.New(src),
				"target": property.New(first),
			}),
			Hook: func(inputs, output property.Map) {
				assert.True(t, output.Get("linked").AsBool())
				assert.Equal(t, "Linked", output.Get("result").AsString())
				dest, err := os.Readlink(first)
				require.NoError(t, err)
				assert.Equal(t, src, dest)
			},
		},
		Updates: []integration.Operation{{
			Inputs: property.NewMap(map[string]property.Value{
				"source": property.New(src),
				"target": property.New(second),
			}),
			Hook: func(inputs, output property.Map) {
				assert.Equal(t, second, output.Get("target").AsString())
				_, err := os.Lstat(first)
				assert.ErrorIs(t, err, os.ErrNotExist)
				dest, err := os.Readlink(second)
				require.NoError(t, err)
				assert.Equal(t, src, dest)
			},
		}},
	}.Run(t, server)

	_, err := os.Lstat(second)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.FileExists(t, src)
}

func TestLinkCheckFailures(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	server := e.server(t, nil)

	integration.LifeCycleTest{
		Resource: "pde:local:Link",
		Create: integration.Operation{
			Inputs: property.NewMap(map[string]property.Value{
				"source": property.New(filepath.Join(e.dir, "src")),
				"target": property.New("relative/target"),
			}),
			CheckFailures: []p.CheckFailure{{Property: "target", Reason: "must be an absolute path"}},
		},
	}.Run(t, server)
}

func TestLinkCheckUnknownSource(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	server := e.server(t, nil)

	// A source taken from another resource's output is unknown during preview.
	resp, err := server.Check(p.CheckRequest{
		Urn: resource.CreateURN("zshrc", "pde:local:Link", "", "proj", "stack"),
		Inputs: property.NewMap(map[string]property.Value{
			"source": property.New(property.Computed),
			"target": property.New(filepath.Join(e.workspace, ".zshrc")),
		}),
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Failures)
}

func commitFile(t *testing.T, repo *git.Repository, dir, file, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(file)
	require.NoError(t, err)
	_, err = wt.Commit("add "+file, &git.CommitOptions{
		Author: &object.Signature{Name: "pde", Email: "pde@example.com", When: time.Now()},
	})
	require.NoError(t, err)
}

func TestGitHubRepoLifeCycle(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	remotes := filepath.Join(e.dir, "remotes")
	upstream := filepath.Join(remotes, "acme", "dotfiles")
	repo, err := git.PlainInit(upstream, false)
	require.NoError(t, err)
	commitFile(t, repo, upstream, "README.md", "dotfiles\n")

	server := e.server(t, map[string]property.Value{"gitBaseURL": property.New(remotes)})
	clone := filepath.Join(e.workspace, "code", "dotfiles")
	markerEnv := property.New(property.NewMap(map[string]property.Value{"MARKERS": property.New(e.markers)}))

	integration.LifeCycleTest{
		Resource: "pde:installers:GitHubRepo",
		Create: integration.Operation{
			Inputs: property.NewMap(map[string]property.Value{
				"org":             property.New("acme"),
				"repo":            property.New("dotfiles"),
				"folderName":      property.New("code/dotfiles"),
				"installCommands": stringList(`touch "$MARKERS/installed"`),
				"environment":     markerEnv,
			}),
			Hook: func(inputs, output property.Map) {
				assert.Equal(t, clone, output.Get("absFolderName").AsString())
				assert.Equal(t, "master", output.Get("branch").AsString())
				assert.NotEmpty(t, output.Get("version").AsString())
				assert.FileExists(t, filepath.Join(clone, "README.md"))
				assert.FileExists(t, filepath.Join(e.markers, "installed"))
			},
		},
		Updates: []integration.Operation{{
			Inputs: property.NewMap(map[string]property.Value{
				"org":               property.New("acme"),
				"repo":              property.New("dotfiles"),
				"folderName":        property.New("code/dotfiles"),
				"installCommands":   stringList(`touch "$MARKERS/installed"`),
				"updateCommands":    stringList(`touch "$MARKERS/updated"`),
				"uninstallCommands": stringList(`touch "$MARKERS/uninstalled"`),
				"environment":       markerEnv,
			}),
			Hook: func(inputs, output property.Map) {
				assert.FileExists(t, filepath.Join(e.markers, "updated"))
			},
		}},
	}.Run(t, server)

	assert.NoDirExists(t, clone)
	assert.FileExists(t, filepath.Join(e.markers, "uninstalled"))
}

// fakeReleases serves one release with a raw executable asset.
func fakeReleases(t *testing.T, script string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/tool/releases/tags/v1.0.0", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tag_name": "v1.0.0",
			"assets": []map[string]any{{
				"id":                   1,
				"name":                 "tool",
				"size":                 len(script),
				"browser_download_url": "https://example.invalid/tool",
			}},
		})
	})
	mux.HandleFunc("/repos/acme/tool/releases/assets/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte(script))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGitHubReleaseLifeCycle(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	srv := fakeReleases(t, "#!/bin/sh\necho tool\n")
	server := e.server(t, map[string]property.Value{"githubBaseURL": property.New(srv.URL)})
	linked := filepath.Join(e.bin, "tool")

	inputs := func(extra map[string]property.Value) property.Map {
		m := map[string]property.Value{
			"org":            property.New("acme"),
			"repo":           property.New("tool"),
			"releaseVersion": property.New("v1.0.0"),
			"assetName":      property.New("tool"),
			"environment": property.New(property.NewMap(map[string]property.Value{
				"MARKERS": property.New(e.markers),
			})),
		}
		for k, v := range extra {
			m[k] = v
		}
		return property.NewMap(m)
	}

	integration.LifeCycleTest{
		Resource: "pde:installers:GitHubRelease",
		Create: integration.Operation{
			Inputs: inputs(nil),
			Hook: func(_, output property.Map) {
				assert.Equal(t, "v1.0.0", output.Get("version").AsString())
				assert.Equal(t, "tool", output.Get("resolvedAsset").AsString())
				exe := output.Get("executablePath").AsString()
				dest, err := os.Readlink(linked)
				require.NoError(t, err)
				assert.Equal(t, exe, dest)
				fi, err := os.Stat(exe)
				require.NoError(t, err)
				assert.NotZero(t, fi.Mode().Perm()&0o100, "the asset is executable")
			},
		},
		Updates: []integration.Operation{{
			Inputs: inputs(map[string]property.Value{
				"updateCommands": stringList(`"$PDE_EXECUTABLE" > "$MARKERS/ran"`),
			}),
			Hook: func(_, output property.Map) {
				b, err := os.ReadFile(filepath.Join(e.markers, "ran"))
				require.NoError(t, err)
				assert.Equal(t, "tool\n", string(b))
			},
		}},
	}.Run(t, server)

	_, err := os.Lstat(linked)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
