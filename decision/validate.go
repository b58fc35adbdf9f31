package decision

import (
	"errors"
	"fmt"
	"path"
	"runtime"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

var (
	errEmpty      = errors.New("empty command")
	errMultiline  = errors.New("command spans multiple lines or contains a code fence")
	errUnbalanced = errors.New("unbalanced quotes or parentheses")
)

// gnuIdiom is a GNU-only tool extension that BSD userlands reject. match is
// applied to each literal argument of an invocation of tool.
type gnuIdiom struct {
	tool  string
	match func(arg string) bool
	hint  string
}

var gnuIdioms = []gnuIdiom{
	{"find", func(a string) bool { return a == "-printf" || a == "-fprintf" }, "find -printf is GNU-only; use -exec stat or -print"},
	{"sed", shortFlag('r', "--regexp-extended"), "sed -r is GNU-only; use sed -E"},
	{"du", func(a string) bool {
		return strings.HasPrefix(a, "--max-depth") || a == "--apparent-size"
	}, "du long options are GNU-only; use du -d N"},
	{"grep", shortFlag('P', "--perl-regexp"), "grep -P is GNU-only; use grep -E"},
}

// wrappers run the next word as the command.
var wrappers = map[string]bool{"sudo": true, "command": true, "nohup": true, "exec": true}

// shortFlag matches long exactly, or a short option cluster such as -rn
// containing letter.
func shortFlag(letter byte, long string) func(string) bool {
	return func(a string) bool {
		if a == long {
			return true
		}
		if len(a) < 2 || a[0] != '-' || a[1] == '-' {
			return false
		}
		for i := 1; i < len(a); i++ {
			if c := a[i]; (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
				return false
			}
		}
		return strings.IndexByte(a[1:], letter) >= 0
	}
}

// gnuHint returns the hint of the first GNU-only idiom used by any simple
// command in cmd, or "" if there is none. Each invocation is judged on its
// own arguments, so a flag belonging to another command in a pipeline or
// list never counts. Text that does not parse is not judged.
func gnuHint(cmd string) string {
	prog, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(cmd), "")
	if err != nil {
		return ""
	}
	var hint string
	syntax.Walk(prog, func(node syntax.Node) bool {
		if hint != "" {
			return false
		}
		call, ok := node.(*syntax.CallExpr)
		if !ok {
			return true
		}
		args := make([]string, len(call.Args))
		for i, w := range call.Args {
			args[i] = w.Lit()
		}
		for len(args) > 0 && wrappers[args[0]] {
			args = args[1:]
		}
		if len(args) == 0 {
			return true
		}
		tool := path.Base(args[0])
		for _, idiom := range gnuIdioms {
			if idiom.tool != tool {
				continue
			}
			for _, a := range args[1:] {
				if a == "--" {
					break
				}
				if idiom.match(a) {
					hint = idiom.hint
					return false
				}
			}
		}
		return true
	})
	return hint
}

// Validator checks command decisions. LacksGNU enables rejection of GNU-only
// tool idioms.
type Validator struct {
	LacksGNU bool
}

// NewValidator returns a validator configured for goos (runtime.GOOS when empty).
func NewValidator(goos string) Validator {
	if goos == "" {
		goos = runtime.GOOS
	}
	return Validator{LacksGNU: LacksGNU(goos)}
}

// LacksGNU reports whether the platform's userland is BSD-derived.
func LacksGNU(goos string) bool {
	switch goos {
	case "darwin", "freebsd", "openbsd", "netbsd", "dragonfly":
		return true
	}
	return false
}

// Validate returns d unchanged when it is not a command or the command passes
// every check. A failing command becomes an ask decision requesting a
// reformatted command.
func (v Validator) Validate(d Decision) Decision {
	if d.Action != ActionCommand {
		return d
	}
	if err := v.Check(d.Command); err != nil {
		return Ask(fmt.Sprintf("The suggested command could not be used (%v). Please rephrase the request or ask for a single-line command.", err))
	}
	return d
}

// Check runs the syntactic and platform checks on a single command.
func (v Validator) Check(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return errEmpty
	}
	if strings.ContainsAny(cmd, "\r\n") || strings.Contains(cmd, "```") {
		return errMultiline
	}
	if err := CheckBalanced(cmd); err != nil {
		return err
	}
	if v.LacksGNU {
		if hint := gnuHint(cmd); hint != "" {
			return fmt.Errorf("not supported on this platform: %s", hint)
		}
	}
	return nil
}

// CheckBalanced scans cmd once, tracking quote state, backslash escapes and
// parenthesis depth outside quotes. Single-quoted text has no escapes.
func CheckBalanced(cmd string) error {
	var (
		inSingle bool
		inDouble bool
		escaped  bool
		depth    int
	)
	for i := 0; i < len(cmd); i++ {
		ch := cmd[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inSingle:
			if ch == '\'' {
				inSingle = false
			}
		case inDouble:
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inDouble = false
			}
		default:
			switch ch {
			case '\\':
				escaped = true
			case '\'':
				inSingle = true
			case '"':
				inDouble = true
			case '(':
				depth++
			case ')':
				depth--
				if depth < 0 {
					return errUnbalanced
				}
			}
		}
	}
	if inSingle || inDouble || depth != 0 {
		return errUnbalanced
	}
	return nil
}
