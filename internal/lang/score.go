package lang

import "strings"

const (
	titleWeight   = 10
	contentWeight = 1
)

// Scorer computes expression relevance against a land dictionary.
// Lemmas are stored pre-stemmed, so the scorer only has to stem the
// page text with the same stemmer before counting.
type Scorer struct {
	landLang string
	stem     StemFunc
	phrases  [][]string
}

// NewScorer builds a scorer from the land's distinct lemmas. Empty or
// whitespace-only lemmas are dropped.
func NewScorer(lemmas []string, landLang string) *Scorer {
	s := &Scorer{landLang: landLang, stem: NewStemmer(landLang)}
	for _, lemma := range lemmas {
		fields := strings.Fields(lemma)
		if len(fields) > 0 {
			s.phrases = append(s.phrases, fields)
		}
	}
	return s
}

// Empty reports whether the scorer has no dictionary to count against.
func (s *Scorer) Empty() bool {
	return len(s.phrases) == 0
}

// Score returns the weighted occurrence count of dictionary lemmas in
// the title and readable text. An empty dictionary scores zero, and a
// detected page language outside the land language scores zero.
func (s *Scorer) Score(pageLang, title, content string) int {
	if s.Empty() {
		return 0
	}
	if !langCompatible(s.landLang, pageLang) {
		return 0
	}
	titleTokens := stemTokens(Tokenize(title), s.stem)
	contentTokens := stemTokens(Tokenize(content), s.stem)

	score := 0
	for _, phrase := range s.phrases {
		score += titleWeight * countRuns(titleTokens, phrase)
		score += contentWeight * countRuns(contentTokens, phrase)
	}
	return score
}

// countRuns counts non-overlapping occurrences of phrase as a
// consecutive token run.
func countRuns(tokens, phrase []string) int {
	if len(phrase) == 0 || len(tokens) < len(phrase) {
		return 0
	}
	count := 0
	for i := 0; i+len(phrase) <= len(tokens); {
		if matchAt(tokens, phrase, i) {
			count++
			i += len(phrase)
			continue
		}
		i++
	}
	return count
}

func matchAt(tokens, phrase []string, at int) bool {
	for j, p := range phrase {
		if tokens[at+j] != p {
			return false
		}
	}
	return true
}
