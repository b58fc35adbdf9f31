package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const (
	pollInterval  = 250 * time.Millisecond
	startTimeout  = 8 * time.Second
	shutdownGrace = 5 * time.Second
)

// wellKnownBinaries are install locations checked after PATH.
var wellKnownBinaries = []string{
	"/usr/local/bin/ollama",
	"/opt/homebrew/bin/ollama",
	"/usr/bin/ollama",
	"/Applications/Ollama.app/Contents/Resources/ollama",
}

// LocalServer probes a local model server and starts one when needed.
// Only a process it started itself is ever stopped.
type LocalServer struct {
	baseURL   string
	binary    string
	autostart bool
	client    *http.Client

	pollInterval time.Duration
	startTimeout time.Duration

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewLocalServer returns a handle for the server at baseURL.
func NewLocalServer(baseURL, binary string, autostart bool) *LocalServer {
	return &LocalServer{
		baseURL:      baseURL,
		binary:       binary,
		autostart:    autostart,
		client:       &http.Client{Timeout: probeTimeout},
		pollInterval: pollInterval,
		startTimeout: startTimeout,
	}
}

// EnsureRunning returns nil once the server answers its version endpoint.
// An unreachable local server is started when autostart is on and a binary
// can be found.
func (s *LocalServer) EnsureRunning(ctx context.Context) error {
	if s.probe(ctx) == nil {
		return nil
	}

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return fmt.Errorf("%w: invalid endpoint %q: %v", ErrUnreachable, s.baseURL, err)
	}
	switch {
	case !s.autostart:
		return fmt.Errorf("%w: %s (autostart disabled)", ErrUnreachable, s.baseURL)
	case !isLocal(u.Hostname()):
		return fmt.Errorf("%w: %s is not a local address", ErrUnreachable, s.baseURL)
	}
	bin := findBinary(s.binary)
	if bin == "" {
		return fmt.Errorf("%w: %s (ollama binary not found)", ErrUnreachable, s.baseURL)
	}

	if err := s.spawn(bin, u.Host); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrUnreachable, bin, err)
	}

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.startTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return fmt.Errorf("%w: %s exited during startup", ErrUnreachable, bin)
		case <-deadline.C:
			return fmt.Errorf("%w: %s did not become ready within %s", ErrUnreachable, s.baseURL, s.startTimeout)
		case <-ticker.C:
			if s.probe(ctx) == nil {
				slog.Info("started local model server", "binary", bin, "endpoint", s.baseURL)
				return nil
			}
		}
	}
}

func (s *LocalServer) spawn(bin, hostport string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}
	cmd := exec.Command(bin, "serve")
	cmd.Env = append(os.Environ(), "OLLAMA_HOST="+hostport)
	configureProcess(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	s.cmd = cmd
	s.done = done
	slog.Debug("spawned local model server", "binary", bin, "pid", cmd.Process.Pid, "host", hostport)
	return nil
}

func (s *LocalServer) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/version", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("version endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Spawned reports whether this handle owns a running process.
func (s *LocalServer) Spawned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Shutdown stops the process this handle started, first gracefully and then
// by force. It does nothing when no process was started and is safe to call
// repeatedly.
func (s *LocalServer) Shutdown() {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.cmd, s.done = nil, nil
	s.mu.Unlock()
	if cmd == nil {
		return
	}
	slog.Info("stopping local model server", "pid", cmd.Process.Pid)
	terminateProcess(cmd, done, shutdownGrace)
}

// isLocal reports whether host names this machine.
func isLocal(host string) bool {
	switch host {
	case "", "localhost", "0.0.0.0", "::":
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// findBinary resolves the server binary: the configured path, then PATH,
// then well-known install locations.
func findBinary(configured string) string {
	if configured != "" {
		if p, err := exec.LookPath(configured); err == nil {
			return p
		}
		return ""
	}
	name := "ollama"
	if runtime.GOOS == "windows" {
		name = "ollama.exe"
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	candidates := wellKnownBinaries
	if runtime.GOOS == "windows" {
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			candidates = []string{filepath.Join(local, "Programs", "Ollama", name)}
		}
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}
