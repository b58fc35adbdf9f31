package generate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
)

// DirContext describes a working directory for the suggest prompt.
type DirContext struct {
	Path           string
	Listing        string            // ls -A output, space-separated
	Manifests      map[string]string // label -> extracted content
	PackageManager string            // detected from lockfile
	GitRoot        string
	GitBranch      string
	GitStaged      string
}

const (
	dirCacheTTL      = 30 * time.Minute
	gatherTimeout    = 3 * time.Second
	manifestMaxBytes = 512
	fieldMaxBytes    = 512
)

// Render formats the context as prompt lines.
func (d *DirContext) Render() string {
	if d == nil {
		return ""
	}
	var lines []string
	add := func(label, value string) {
		if value != "" {
			lines = append(lines, label+": "+value)
		}
	}
	add("files", d.Listing)
	add("pkg", d.PackageManager)
	if d.GitRoot != "" && d.GitRoot != d.Path {
		add("git root", d.GitRoot)
	}
	add("branch", d.GitBranch)
	add("staged", d.GitStaged)

	labels := make([]string, 0, len(d.Manifests))
	for label := range d.Manifests {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		add(label, d.Manifests[label])
	}
	return strings.Join(lines, "\n")
}

// DirCache is a TTL cache of DirContext entries keyed by absolute path.
type DirCache struct {
	cache *ttlcache.Cache[string, *DirContext]
}

// NewDirCache creates a DirCache and starts its expiration loop.
func NewDirCache() *DirCache {
	c := ttlcache.New[string, *DirContext](
		ttlcache.WithTTL[string, *DirContext](dirCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *DirContext](),
	)
	go c.Start()
	return &DirCache{cache: c}
}

// Close stops the expiration loop.
func (dc *DirCache) Close() {
	dc.cache.Stop()
}

// Get returns the cached context for path, or nil.
func (dc *DirCache) Get(path string) *DirContext {
	if item := dc.cache.Get(path); item != nil {
		return item.Value()
	}
	return nil
}

// Lookup returns the cached context for path, gathering it on a miss.
func (dc *DirCache) Lookup(ctx context.Context, path string) *DirContext {
	if d := dc.Get(path); d != nil {
		return d
	}
	return dc.Gather(ctx, path)
}

// Gather collects context for path, caches it and returns it. Probes run in
// parallel and a failing probe only leaves its field empty.
func (dc *DirCache) Gather(ctx context.Context, path string) *DirContext {
	if path == "" {
		return nil
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()

	d := &DirContext{Path: path, Manifests: make(map[string]string)}

	var g errgroup.Group
	g.Go(func() error {
		d.Listing = truncate(strings.Join(strings.Fields(runCmd(ctx, path, "ls", "-A")), " "), fieldMaxBytes)
		return nil
	})
	g.Go(func() error {
		d.GitRoot = strings.TrimSpace(runCmd(ctx, path, "git", "rev-parse", "--show-toplevel"))
		return nil
	})
	g.Go(func() error {
		d.GitBranch = strings.TrimSpace(runCmd(ctx, path, "git", "branch", "--show-current"))
		return nil
	})
	g.Go(func() error {
		d.GitStaged = parseStagedFiles(strings.TrimSpace(runCmd(ctx, path, "git", "diff", "--cached", "--name-status")), fieldMaxBytes)
		return nil
	})
	g.Go(func() error {
		gatherManifests(path, d.Manifests)
		return nil
	})
	_ = g.Wait()

	d.PackageManager = detectPackageManager(path, d.GitRoot)

	dc.cache.Set(path, d, ttlcache.DefaultTTL)
	slog.Debug("gathered directory context", "path", path)
	return d
}

// runCmd runs a command and returns its stdout, or "" on error.
func runCmd(ctx context.Context, dir string, name string, args ...string) string {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}

// manifests maps a manifest filename to its prompt label and extractor.
var manifests = []struct {
	file    string
	label   string
	extract func(string) string
}{
	{"package.json", "package.json scripts", extractPackageJSONScripts},
	{"Makefile", "Makefile targets", extractMakefileTargets},
	{"Cargo.toml", "Cargo.toml", extractCargoInfo},
	{"pyproject.toml", "pyproject.toml", extractPyprojectInfo},
	{"go.mod", "go.mod", extractGoModInfo},
}

func gatherManifests(dir string, out map[string]string) {
	for _, m := range manifests {
		data, err := os.ReadFile(filepath.Join(dir, m.file))
		if err != nil {
			continue
		}
		if extracted := m.extract(string(data)); extracted != "" {
			out[m.label] = extracted
		}
	}
}

// extractPackageJSONScripts lists script names from package.json.
func extractPackageJSONScripts(content string) string {
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal([]byte(content), &pkg); err != nil || len(pkg.Scripts) == 0 {
		return ""
	}
	names := make([]string, 0, len(pkg.Scripts))
	for k := range pkg.Scripts {
		names = append(names, k)
	}
	sort.Strings(names)
	return truncate(strings.Join(names, ", "), manifestMaxBytes)
}

// extractMakefileTargets lists plain target names from a Makefile.
func extractMakefileTargets(content string) string {
	var targets []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '\t' || line[0] == '#' || line[0] == '.' {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 || (idx+1 < len(line) && line[idx+1] == '=') {
			continue
		}
		target := strings.TrimSpace(line[:idx])
		if strings.ContainsAny(target, "$% =") || seen[target] {
			continue
		}
		seen[target] = true
		targets = append(targets, target)
	}
	return truncate(strings.Join(targets, ", "), manifestMaxBytes)
}

type cargoToml struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Bin []struct {
		Name string `toml:"name"`
	} `toml:"bin"`
	Workspace struct {
		Members []string `toml:"members"`
	} `toml:"workspace"`
}

// extractCargoInfo summarizes the package, binaries and workspace members.
func extractCargoInfo(content string) string {
	var cargo cargoToml
	if _, err := toml.Decode(content, &cargo); err != nil {
		return ""
	}
	var parts []string
	if cargo.Package.Name != "" {
		parts = append(parts, fmt.Sprintf("package %s", cargo.Package.Name))
	}
	for _, bin := range cargo.Bin {
		if bin.Name != "" {
			parts = append(parts, fmt.Sprintf("bin %s", bin.Name))
		}
	}
	if len(cargo.Workspace.Members) > 0 {
		parts = append(parts, "workspace "+strings.Join(cargo.Workspace.Members, " "))
	}
	return truncate(strings.Join(parts, ", "), manifestMaxBytes)
}

type pyprojectToml struct {
	Project struct {
		Name    string            `toml:"name"`
		Scripts map[string]string `toml:"scripts"`
	} `toml:"project"`
}

// extractPyprojectInfo summarizes the project name and console scripts.
func extractPyprojectInfo(content string) string {
	var py pyprojectToml
	if _, err := toml.Decode(content, &py); err != nil || py.Project.Name == "" {
		return ""
	}
	out := "project " + py.Project.Name
	if len(py.Project.Scripts) > 0 {
		names := make([]string, 0, len(py.Project.Scripts))
		for k := range py.Project.Scripts {
			names = append(names, k)
		}
		sort.Strings(names)
		out += ", scripts " + strings.Join(names, " ")
	}
	return truncate(out, manifestMaxBytes)
}

// extractGoModInfo returns the module path and Go version lines.
func extractGoModInfo(content string) string {
	var parts []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "module ") || (strings.HasPrefix(line, "go ") && !strings.HasPrefix(line, "go.")) {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, ", ")
}

// lockfiles maps lockfile names to package managers, most specific first.
var lockfiles = []struct {
	file    string
	manager string
}{
	{"pnpm-lock.yaml", "pnpm"},
	{"yarn.lock", "yarn"},
	{"bun.lockb", "bun"},
	{"package-lock.json", "npm"},
	{"Cargo.lock", "cargo"},
	{"poetry.lock", "poetry"},
	{"uv.lock", "uv"},
	{"go.sum", "go"},
}

// detectPackageManager checks cwd first, then the git root.
func detectPackageManager(cwd, gitRoot string) string {
	for _, dir := range []string{cwd, gitRoot} {
		if dir == "" {
			continue
		}
		for _, lf := range lockfiles {
			if _, err := os.Stat(filepath.Join(dir, lf.file)); err == nil {
				return lf.manager
			}
		}
	}
	return ""
}

// parseStagedFiles turns `git diff --cached --name-status` output into
// "M:file.go A:new.go".
func parseStagedFiles(s string, maxBytes int) string {
	if s == "" {
		return ""
	}
	var parts []string
	for _, line := range strings.Split(s, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		status := fields[0][:1]
		if (status == "R" || status == "C") && len(fields) >= 3 {
			parts = append(parts, status+":"+fields[1]+"->"+fields[2])
			continue
		}
		parts = append(parts, status+":"+fields[1])
	}
	return truncate(strings.Join(parts, " "), maxBytes)
}

// truncate cuts s to maxBytes, appending "..." when cut.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "..."
}
