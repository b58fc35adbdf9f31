// Package defaults provides embedded default assets (prompt templates and config).
package defaults

import _ "embed"

//go:embed suggest_prompt.md
var SuggestPrompt string

//go:embed chat_prompt.md
var ChatPrompt string

//go:embed default_config.toml
var ConfigTOML []byte
