// Package casing converts dotted Go field paths ("HTTP.MaxBodyBytes") into
// the names each config source looks up.
package casing

import (
	"strings"
	"unicode"
)

// ToSnake converts a field path to snake case: "DB.PasswordFile" becomes
// "db_password_file". Acronyms stay together ("HTTPPort" is "http_port").
func ToSnake(path string) string {
	return strings.Join(Segments(path), "_")
}

// ToScreamingSnake is ToSnake in upper case, used for environment variables.
func ToScreamingSnake(path string) string {
	return strings.ToUpper(ToSnake(path))
}

// ToKebab is ToSnake with dashes, used for flags.
func ToKebab(path string) string {
	return strings.ReplaceAll(ToSnake(path), "_", "-")
}

// Segments returns the snake cased segments of a dotted path.
// "HTTP.MaxBodyBytes" gives ["http", "max_body_bytes"].
func Segments(path string) []string {
	parts := strings.Split(path, ".")
	for i, p := range parts {
		parts[i] = snakeWord(p)
	}
	return parts
}

func snakeWord(s string) string {
	r := []rune(s)

	var b strings.Builder
	for i, c := range r {
		if boundary(r, i) {
			b.WriteRune('_')
		}
		b.WriteRune(unicode.ToLower(c))
	}
	return b.String()
}

// boundary reports whether a word starts at r[i]: an upper case letter after
// a non upper case one, or the last letter of an acronym followed by lower
// case ("SSLMode" splits before "M").
func boundary(r []rune, i int) bool {
	if i == 0 || i == len(r)-1 || !unicode.IsUpper(r[i]) {
		return false
	}
	if !unicode.IsUpper(r[i-1]) {
		return true
	}
	return !unicode.IsUpper(r[i+1])
}
