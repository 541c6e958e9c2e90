package model

import (
	"strings"
	"time"
)

type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageTypeScript Language = "typescript"
	LanguageJava       Language = "java"
)

var Languages = []Language{LanguagePython, LanguageJavaScript, LanguageTypeScript, LanguageJava}

// ParseLanguage normalizes a language tag. Unknown or empty tags map to
// python, the default every new session starts with.
func ParseLanguage(s string) Language {
	l := Language(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Languages {
		if l == known {
			return l
		}
	}
	return LanguagePython
}

// Session is a shared editing context: one buffer and one language tag.
// Clients hold a cached copy that may lag the server.
type Session struct {
	ID        string    `json:"roomId"`
	Code      string    `json:"code"`
	Language  Language  `json:"language"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CompletionRequest asks for a suggestion at a cursor offset.
type CompletionRequest struct {
	Code           string   `json:"code"`
	CursorPosition int      `json:"cursorPosition"`
	Language       Language `json:"language"`
}

// CompletionResponse replaces the rune range [StartPosition, EndPosition)
// with Suggestion.
type CompletionResponse struct {
	Suggestion    string `json:"suggestion"`
	StartPosition int    `json:"startPosition"`
	EndPosition   int    `json:"endPosition"`
}
