package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Decision
	}{
		{"json command", `{"action":"command","command":"ls -la"}`, Command("ls -la")},
		{"fenced json", "```json\n{\"action\":\"command\",\"command\":\"ls -la\"}\n```", Command("ls -la")},
		{"fenced no tag", "```\n{\"action\":\"command\",\"command\":\"ls -la\"}\n```", Command("ls -la")},
		{"embedded object", `Sure! Here it is: {"action":"command","command":"df -h"} hope that helps`, Command("df -h")},
		{"braces inside strings", `note {"action":"command","command":"awk '{print $1}' f"}`, Command("awk '{print $1}' f")},
		{"json ask", `{"action":"ask","question":"Which directory?"}`, Ask("Which directory?")},
		{"json ask default", `{"action":"ask"}`, Ask(defaultQuestion)},
		{"json refuse", `{"action":"refuse","reason":"That would wipe the disk."}`, Refuse("That would wipe the disk.")},
		{"json refuse default", `{"action":"refuse"}`, Refuse(defaultRefusal)},
		{"action case-insensitive", `{"action":"Command","command":"pwd"}`, Command("pwd")},
		{"ask prefix", "ask: which directory?", Ask("which directory?")},
		{"ask prefix upper", "ASK: which one?", Ask("which one?")},
		{"refuse prefix", "refuse: that would delete your home directory", Refuse("that would delete your home directory")},
		{"refuse prefix upper", "REFUSE:not a shell task", Refuse("not a shell task")},
		{"refuse prefix empty", "refuse:", Refuse(defaultRefusal)},
		{"legacy plain", "df -h", Command("df -h")},
		{"legacy trimmed", "  df -h \n", Command("df -h")},
		{"command missing field falls through", `{"action":"command"}`, Command(`{"action":"command"}`)},
		{"unknown action falls through", `{"action":"run","command":"ls"}`, Command(`{"action":"run","command":"ls"}`)},
		{"error text", "Error connecting to Ollama: connection refused", Command("Error connecting to Ollama: connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input))
		})
	}
}

func TestParseFencedMatchesBare(t *testing.T) {
	body := `{"action":"command","command":"find . -name \"*.py\""}`
	assert.Equal(t, Parse(body), Parse("```json\n"+body+"\n```"))
	assert.Equal(t, Command(`find . -name "*.py"`), Parse(body))
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, "ls", stripFence("```sh\nls\n```"))
	assert.Equal(t, "plain", stripFence("plain"))
	assert.Equal(t, `{"a":1}`, stripFence("```json{\"a\":1}```"))
}

func TestExtractObject(t *testing.T) {
	obj, ok := extractObject(`x {"a":{"b":"}"}} y`)
	assert.True(t, ok)
	assert.Equal(t, `{"a":{"b":"}"}}`, obj)

	_, ok = extractObject(`{"a":1`)
	assert.False(t, ok)
	_, ok = extractObject("no braces")
	assert.False(t, ok)
}
