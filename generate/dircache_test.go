package generate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirCacheGetMiss(t *testing.T) {
	dc := NewDirCache()
	defer dc.Close()
	assert.Nil(t, dc.Get("/nonexistent/path"))
}

func TestDirCacheGetExpired(t *testing.T) {
	c := ttlcache.New[string, *DirContext](
		ttlcache.WithTTL[string, *DirContext](time.Millisecond),
		ttlcache.WithDisableTouchOnHit[string, *DirContext](),
	)
	go c.Start()
	dc := &DirCache{cache: c}
	defer dc.Close()

	dc.cache.Set("/test", &DirContext{Path: "/test"}, ttlcache.DefaultTTL)
	time.Sleep(10 * time.Millisecond)
	assert.Nil(t, dc.Get("/test"))
}

func TestDirCacheGather(t *testing.T) {
	dc := NewDirCache()
	defer dc.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/x\n\ngo 1.22\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.sum"), nil, 0o644))

	got := dc.Gather(context.Background(), dir)
	require.NotNil(t, got)
	assert.Contains(t, got.Listing, "hello.txt")
	assert.Equal(t, "module example.com/x, go 1.22", got.Manifests["go.mod"])
	assert.Equal(t, "go", got.PackageManager)
	assert.Same(t, got, dc.Get(dir))
	assert.Same(t, got, dc.Lookup(context.Background(), dir))
}

func TestDirCacheGatherMissingDir(t *testing.T) {
	dc := NewDirCache()
	defer dc.Close()

	missing := filepath.Join(t.TempDir(), "gone")
	assert.Nil(t, dc.Gather(context.Background(), missing))
	assert.Nil(t, dc.Gather(context.Background(), ""))
	assert.Nil(t, dc.Get(missing))
}

func TestDirContextRender(t *testing.T) {
	d := &DirContext{
		Path:           "/repo/sub",
		Listing:        "a.go b.go",
		PackageManager: "go",
		GitRoot:        "/repo",
		GitBranch:      "main",
		Manifests:      map[string]string{"go.mod": "module x", "Makefile targets": "build, test"},
	}
	want := strings.Join([]string{
		"files: a.go b.go",
		"pkg: go",
		"git root: /repo",
		"branch: main",
		"Makefile targets: build, test",
		"go.mod: module x",
	}, "\n")
	assert.Equal(t, want, d.Render())

	var none *DirContext
	assert.Equal(t, "", none.Render())
	assert.Equal(t, "", (&DirContext{Path: "/r", GitRoot: "/r"}).Render())
}

func TestExtractors(t *testing.T) {
	tests := []struct {
		name    string
		extract func(string) string
		in      string
		want    string
	}{
		{"package.json scripts sorted", extractPackageJSONScripts,
			`{"name":"app","scripts":{"test":"jest","build":"tsc"}}`, "build, test"},
		{"package.json without scripts", extractPackageJSONScripts, `{"name":"app"}`, ""},
		{"package.json invalid", extractPackageJSONScripts, `{`, ""},
		{"makefile", extractMakefileTargets,
			"# Makefile\n.PHONY: build\n\nbuild:\n\tgo build\n\ntest: build\n\tgo test\n\nVERSION := 1.0\nbuild:\n", "build, test"},
		{"cargo", extractCargoInfo,
			"[package]\nname = \"app\"\n\n[[bin]]\nname = \"cli\"\n", "package app, bin cli"},
		{"cargo workspace", extractCargoInfo,
			"[workspace]\nmembers = [\"core\", \"cli\"]\n", "workspace core cli"},
		{"cargo invalid", extractCargoInfo, "[package\n", ""},
		{"pyproject", extractPyprojectInfo,
			"[project]\nname = \"tool\"\n\n[project.scripts]\nzeta = \"a:b\"\nalpha = \"c:d\"\n", "project tool, scripts alpha zeta"},
		{"pyproject without name", extractPyprojectInfo, "[tool.black]\nline-length = 88\n", ""},
		{"go.mod", extractGoModInfo,
			"module github.com/x/y\n\ngo 1.24.0\n\nrequire (\n\tgithub.com/a/b v1.0.0\n)\n", "module github.com/x/y, go 1.24.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.extract(tt.in))
		})
	}
}

func TestParseStagedFiles(t *testing.T) {
	in := "M\tmain.go\nA\tnew.go\nR100\told.go\tnewer.go\n\tbroken\n"
	assert.Equal(t, "M:main.go A:new.go R:old.go->newer.go", parseStagedFiles(in, fieldMaxBytes))
	assert.Equal(t, "", parseStagedFiles("", fieldMaxBytes))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 100))
	got := truncate(strings.Repeat("x", 3000), 2048)
	assert.Len(t, got, 2048+3)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestDetectPackageManager(t *testing.T) {
	cwd := t.TempDir()
	root := t.TempDir()
	assert.Equal(t, "", detectPackageManager(cwd, ""))

	require.NoError(t, os.WriteFile(filepath.Join(root, "yarn.lock"), nil, 0o644))
	assert.Equal(t, "yarn", detectPackageManager(cwd, root))

	require.NoError(t, os.WriteFile(filepath.Join(cwd, "pnpm-lock.yaml"), nil, 0o644))
	assert.Equal(t, "pnpm", detectPackageManager(cwd, root))
}
