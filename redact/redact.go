// Package redact scrubs secrets from shell text before it is placed in a
// prompt sent to a model backend.
package redact

import (
	"bytes"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// safeVars are environment variables that carry no secrets and help the model.
var safeVars = map[string]bool{
	"HOME": true, "USER": true, "PWD": true, "OLDPWD": true,
	"SHELL": true, "PATH": true, "LANG": true, "TERM": true,
	"EDITOR": true, "PAGER": true, "HOSTNAME": true, "LOGNAME": true,
	"TMPDIR": true, "XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true,
	"XDG_RUNTIME_DIR": true, "DISPLAY": true, "SHLVL": true,
	"COLUMNS": true, "LINES": true, "LC_ALL": true, "LC_CTYPE": true,
}

// specialParams are shell special parameters.
var specialParams = map[string]bool{
	"?": true, "!": true, "#": true, "@": true, "*": true,
	"-": true, "$": true, "_": true,
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
}

// Command replaces sensitive parameter expansions and assignment values in a
// shell command. Text that does not parse as shell is redacted with regular
// expressions instead.
func Command(cmd string) string {
	if strings.TrimSpace(cmd) == "" {
		return cmd
	}
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(true))
	prog, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		return Text(cmd)
	}

	syntax.Walk(prog, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.ParamExp:
			if n.Param != nil && !safeVars[n.Param.Value] && !specialParams[n.Param.Value] {
				n.Param.Value = "REDACTED"
			}
		case *syntax.Assign:
			if n.Name != nil && !safeVars[n.Name.Value] && n.Value != nil {
				n.Value.Parts = []syntax.WordPart{&syntax.Lit{Value: "***"}}
			}
		}
		return true
	})

	var buf bytes.Buffer
	printer := syntax.NewPrinter(syntax.Indent(0))
	if err := printer.Print(&buf, prog); err != nil {
		return Text(cmd)
	}
	return reToken.ReplaceAllString(strings.TrimRight(buf.String(), "\n"), "***")
}

// Commands applies Command to each element.
func Commands(cmds []string) []string {
	out := make([]string, len(cmds))
	for i, cmd := range cmds {
		out[i] = Command(cmd)
	}
	return out
}

var (
	reBraceVar  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	reSimpleVar = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	reAssign    = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)=(\S+)`)
	reToken     = regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{16,}|sk-ant-[A-Za-z0-9_-]{16,}|AIza[0-9A-Za-z_-]{30,}|gh[pousr]_[A-Za-z0-9]{20,})`)
)

// Text redacts free text: variable references, NAME=value pairs and
// well-known API key shapes.
func Text(s string) string {
	s = reBraceVar.ReplaceAllStringFunc(s, func(m string) string {
		name := reBraceVar.FindStringSubmatch(m)[1]
		if safeVars[name] || specialParams[name] {
			return m
		}
		return "${REDACTED}"
	})

	s = reSimpleVar.ReplaceAllStringFunc(s, func(m string) string {
		name := reSimpleVar.FindStringSubmatch(m)[1]
		if name == "REDACTED" || safeVars[name] || specialParams[name] {
			return m
		}
		return "$REDACTED"
	})

	s = reAssign.ReplaceAllStringFunc(s, func(m string) string {
		parts := reAssign.FindStringSubmatch(m)
		if safeVars[parts[1]] || parts[2] == "***" {
			return m
		}
		return parts[1] + "=***"
	})

	return reToken.ReplaceAllString(s, "***")
}
