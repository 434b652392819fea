package command

import (
	"strings"
	"unicode"
)

// Invocation is a parsed command: name plus quote-aware argument tokens.
type Invocation struct {
	Name           string
	Args           []string
	ConversationID string
	Raw            string
}

// Parse returns the invocation when text is command-shaped: the prefix rune
// followed immediately by an alphanumeric name token. Anything else returns
// nil and falls through to the AI engine. Matching is case-sensitive; no
// partial or fuzzy matching happens anywhere downstream.
func Parse(text string, prefix rune) *Invocation {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) < 2 || runes[0] != prefix {
		return nil
	}

	rest := string(runes[1:])
	name := rest
	var argText string
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		name = rest[:i]
		argText = strings.TrimSpace(rest[i:])
	}

	if name == "" || !isAlnum(name) {
		return nil
	}

	return &Invocation{
		Name: name,
		Args: Tokenize(argText),
		Raw:  text,
	}
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Tokenize splits an argument string on whitespace, keeping double-quoted
// substrings together as single tokens with the quotes stripped. The grammar
// is deliberately minimal: no escape sequences, no nested quoting. An
// unterminated quote swallows the remainder of the string as one token.
func Tokenize(s string) []string {
	var (
		tokens  []string
		current strings.Builder
		inQuote bool
		started bool
	)

	flush := func() {
		if started {
			tokens = append(tokens, current.String())
			current.Reset()
			started = false
		}
	}

	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case unicode.IsSpace(r) && !inQuote:
			flush()
		default:
			current.WriteRune(r)
			started = true
		}
	}
	flush()

	return tokens
}
