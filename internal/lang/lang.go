// Package lang provides tokenization, stemming and dictionary-based
// relevance scoring for land expressions.
package lang

import (
	"strings"
	"unicode"

	"github.com/kljensen/snowball/english"
	"github.com/kljensen/snowball/french"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// StemFunc reduces a single lowercase token to its stem.
type StemFunc func(string) string

// NewStemmer returns the stemmer for a land language. The primary
// subtag decides: "fr" and "en" get snowball stemmers, anything else
// falls back to identity so scoring still works on raw tokens.
func NewStemmer(landLang string) StemFunc {
	switch primarySubtag(landLang) {
	case "fr":
		return func(w string) string { return french.Stem(w, true) }
	case "en":
		return func(w string) string { return english.Stem(w, true) }
	default:
		return func(w string) string { return w }
	}
}

func primarySubtag(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

// langCompatible reports whether a page language may be scored against
// a land language. Unknown page languages pass so that unfetched or
// undetected pages are not zeroed out.
func langCompatible(landLang, pageLang string) bool {
	if landLang == "" || pageLang == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(pageLang), strings.ToLower(landLang))
}

// Tokenize splits text into lowercase runs of letters and digits.
// Punctuation, apostrophes and whitespace all act as separators.
func Tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(unicode.ToLower(r))
			continue
		}
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// Fold strips combining marks so "pollué" and "pollue" compare equal.
// Folding happens after stemming: the snowball rules are accent-aware
// and must see the original word.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// StemPhrase normalizes a dictionary term or free text into its
// canonical lemma form: tokenized, stemmed and folded, joined by
// single spaces. Multi-word terms keep their word order.
func StemPhrase(phrase, landLang string) string {
	return strings.Join(stemTokens(Tokenize(phrase), NewStemmer(landLang)), " ")
}

func stemTokens(tokens []string, stem StemFunc) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = Fold(stem(tok))
	}
	return out
}
