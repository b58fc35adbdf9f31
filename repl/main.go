// Command halp-repl is an interactive test REPL for halpdesk suggestions.
// It drives the engine in-process with the configured provider and writes
// structured TOML results to stdout.
//
// Usage:
//
//	./halp-repl             # interactive, TOML on screen
//	./halp-repl > log.toml  # prompt on stderr, TOML to file
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	halpdesk "github.com/Paranoid-AF/halpdesk"
	"github.com/Paranoid-AF/halpdesk/generate"
	"github.com/Paranoid-AF/halpdesk/provider"
	"github.com/Paranoid-AF/halpdesk/session"
)

const prompt = "> "

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot determine cwd: %v\n", err)
		os.Exit(1)
	}

	cfg, err := halpdesk.LoadConfig("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := provider.New(ctx, cfg.ProviderSettings(halpdesk.LoadPrompt()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer reg.Close()

	engine := generate.NewEngine(reg.Provider(), generate.WithRegistry(reg))
	defer engine.Close()

	info := reg.Provider().Info()
	fmt.Fprintf(os.Stderr, "halpdesk repl (%s, %s)\n", info.Kind, info.Model)
	fmt.Fprintf(os.Stderr, "cwd: %s\n", cwd)
	fmt.Fprintf(os.Stderr, "\ncommands:\n")
	fmt.Fprintf(os.Stderr, "  :cwd <path>  start a session in another directory\n")
	fmt.Fprintf(os.Stderr, "  :chat        switch to chat mode\n")
	fmt.Fprintf(os.Stderr, "  :exec        switch to execution mode\n")
	fmt.Fprintf(os.Stderr, "  :quit        exit\n\n")

	if err := run(ctx, engine, os.Stdin, os.Stdout, os.Stderr, cwd); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// engine is the subset of generate.Engine the REPL drives.
type engine interface {
	CreateSession(pid int, cwd string) string
	GetSession(id string) (session.Session, error)
	DeleteSession(id string) error
	SwitchMode(id, mode string) error
	Suggest(ctx context.Context, id, query string) (*halpdesk.CommandResponse, error)
	Chat(ctx context.Context, id, message string) (*halpdesk.ChatResponse, error)
}

// run reads one request per line from in until EOF, :quit or ctx is done.
// Summaries go to tty and TOML entries to out.
func run(ctx context.Context, e engine, in io.Reader, out, tty io.Writer, cwd string) error {
	id := e.CreateSession(os.Getpid(), cwd)
	defer func() { e.DeleteSession(id) }()

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(tty, prompt)
		if !scanner.Scan() {
			fmt.Fprintln(tty)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		text := strings.TrimSpace(scanner.Text())
		switch {
		case text == "":
			continue
		case text == ":quit" || text == ":q":
			return nil
		case text == ":chat" || text == ":exec":
			if err := e.SwitchMode(id, strings.TrimPrefix(text, ":")); err != nil {
				fmt.Fprintf(tty, "error: %v\n", err)
			}
			continue
		case strings.HasPrefix(text, ":cwd "):
			newCwd := strings.TrimSpace(strings.TrimPrefix(text, ":cwd "))
			info, err := os.Stat(newCwd)
			if err != nil || !info.IsDir() {
				fmt.Fprintf(tty, "error: not a directory: %s\n", newCwd)
				continue
			}
			e.DeleteSession(id)
			cwd = newCwd
			id = e.CreateSession(os.Getpid(), cwd)
			fmt.Fprintf(tty, "cwd: %s\n\n", cwd)
			continue
		}

		sess, err := e.GetSession(id)
		if err != nil {
			return err
		}

		ent := newEntry(text, sess)
		if sess.Mode == session.ModeChat {
			resp, err := e.Chat(ctx, id, text)
			if err != nil {
				return err
			}
			ent.setChat(resp)
			fmt.Fprintf(tty, "%s\n\n", resp.Response)
		} else {
			resp, err := e.Suggest(ctx, id, text)
			if err != nil {
				return err
			}
			ent.setSuggestion(resp)
			fmt.Fprintf(tty, "%s\n\n", summarize(resp))
		}

		if err := writeEntry(out, ent); err != nil {
			return err
		}
	}
}

// summarize renders a suggestion as one line.
func summarize(r *halpdesk.CommandResponse) string {
	switch r.Action {
	case "ask":
		return "? " + r.Question
	case "refuse":
		return "refused: " + r.Reason
	}
	return fmt.Sprintf("  %s  [%s] %s", r.Command, r.SafetyLevel, r.SafetyReason)
}
