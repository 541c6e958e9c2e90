// Package autocomplete is the reference server's keyword suggestion engine.
// It looks at the word being typed before the cursor and proposes a
// snippet for the first keyword prefix it starts with.
package autocomplete

import (
	"strings"
	"unicode"

	"paircode/internal/model"
)

type rule struct {
	prefix  string
	snippet string
}

var rules = map[model.Language][]rule{
	model.LanguagePython: {
		{"def", "def function_name():"},
		{"for", "for item in iterable:"},
		{"if", "if condition:"},
		{"class", "class ClassName:"},
		{"import", "import module"},
		{"from", "from module import "},
	},
	model.LanguageJavaScript: {
		{"fun", "function "},
		{"func", "function "},
		{"const", "const "},
		{"let", "let "},
		{"if", "if (condition) {}"},
		{"for", "for (let i = 0; i < length; i++) {}"},
	},
	model.LanguageJava: {
		{"pub", "public "},
		{"pri", "private "},
		{"class", "class "},
		{"if", "if (condition) {}"},
		{"for", "for (int i = 0; i < length; i++) {}"},
	},
}

var placeholders = map[model.Language]string{
	model.LanguagePython:     "# add code...",
	model.LanguageJavaScript: "// add code...",
	model.LanguageJava:       "// add code...",
}

const fallbackPlaceholder = "// add code..."

// Suggest returns a suggestion replacing the token that ends at the
// cursor. Offsets are in runes; a cursor outside the buffer is clamped.
func Suggest(req model.CompletionRequest) model.CompletionResponse {
	runes := []rune(req.Code)
	cursor := req.CursorPosition
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(runes) {
		cursor = len(runes)
	}

	start := cursor
	for start > 0 && isTokenRune(runes[start-1]) {
		start--
	}
	token := string(runes[start:cursor])

	lang := model.Language(strings.ToLower(string(req.Language)))
	table, ok := rules[lang]
	if !ok {
		table = rules[model.LanguagePython]
	}
	for _, r := range table {
		if strings.HasPrefix(token, r.prefix) {
			return model.CompletionResponse{Suggestion: r.snippet, StartPosition: start, EndPosition: cursor}
		}
	}

	text, ok := placeholders[lang]
	if !ok {
		text = fallbackPlaceholder
	}
	return model.CompletionResponse{Suggestion: text, StartPosition: start, EndPosition: cursor}
}

// isTokenRune stops at newlines too, so the token never spans lines.
func isTokenRune(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}
