// Package normalize canonicalizes raw merchant descriptors from bank
// feeds and receipt extraction so the scorer compares like with like.
package normalize

import (
	"strings"
	"unicode"
)

// Payment-processor prefixes that banks prepend to the actual merchant.
// Matched case-insensitively at the start of the descriptor.
var processorPrefixes = []string{
	"SQ *",
	"SQ*",
	"TST* ",
	"TST*",
	"PAYPAL *",
	"PAYPAL*",
	"PP*",
	"AMZN MKTP ",
	"AMAZON MKTP ",
	"GOOGLE *",
	"APPLE.COM/BILL",
	"IN *",
	"SP ",
}

// Merchant canonicalizes a raw merchant descriptor: strips processor
// prefixes, store numbers and trailing reference codes, lowercases and
// collapses whitespace.
//
//	"SQ *BLUE BOTTLE COFFEE #4821" -> "blue bottle coffee"
func Merchant(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	upper := strings.ToUpper(s)
	for _, prefix := range processorPrefixes {
		if strings.HasPrefix(upper, prefix) {
			s = s[len(prefix):]
			break
		}
	}

	tokens := tokenize(s)
	kept := tokens[:0]
	for _, tok := range tokens {
		if isReferenceToken(tok) {
			continue
		}
		kept = append(kept, tok)
	}

	// A descriptor that is nothing but codes keeps its tokens rather
	// than normalizing to the empty string.
	if len(kept) == 0 {
		kept = tokenize(s)
	}
	return strings.Join(kept, " ")
}

// Tokens returns the canonical token set of a merchant string, ready
// for set comparison. Duplicates are removed, order preserved.
func Tokens(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range tokenize(Merchant(s)) {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// tokenize lowercases and splits on any non-alphanumeric rune.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// isReferenceToken reports whether a token is a store number or
// reference code rather than part of the merchant name: digit runs
// like "4821" and letter-digit confirmation codes like "z12ab34cd".
func isReferenceToken(tok string) bool {
	digits := 0
	for _, r := range tok {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits == 0 {
		return false
	}
	if digits*2 >= len(tok) {
		return true
	}
	// Long tokens mixing letters and digits are confirmation codes.
	// Short ones like "7up" stay.
	return len(tok) >= 6
}
