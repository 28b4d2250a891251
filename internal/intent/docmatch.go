package intent

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.85
	defaultFuzzyThreshold    = 0.90
)

// docStopWords never identify a document on their own.
var docStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "my": {}, "me": {}, "this": {}, "that": {},
	"file": {}, "document": {}, "doc": {}, "pdf": {}, "txt": {}, "text": {},
	"summary": {}, "summarize": {}, "summarise": {}, "reference": {}, "according": {},
	"what": {}, "does": {}, "say": {}, "give": {}, "please": {}, "to": {}, "and": {},
}

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// docMatcher resolves a spoken or typed reference to an uploaded document.
// Transcribed speech rarely reproduces file names exactly ("quarterly
// report" for quarterly_report.pdf, "meeting notes" for meetingnotes.txt),
// so names are compared by Double Metaphone codes and Jaro-Winkler similarity on
// their stems.
//
// A document is a phonetic candidate when any of its stem codes overlaps a
// code of an utterance token; candidates are accepted at the phonetic
// threshold. Without phonetic overlap the stricter fuzzy threshold applies.
type docMatcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

func newDocMatcher() *docMatcher {
	return &docMatcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
}

// match returns the catalog name that text refers to, if any. Ties go to
// the earlier name.
func (m *docMatcher) match(text string, names []string) (string, bool) {
	if len(names) == 0 {
		return "", false
	}
	tokens := contentTokens(text)
	if len(tokens) == 0 {
		return "", false
	}
	inputCodes := codesForTokens(tokens)
	joined := " " + strings.Join(tokens, " ") + " "

	type candidate struct {
		name     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, name := range names {
		stem := stemTokens(name)
		if len(stem) == 0 {
			continue
		}

		// Exact stem phrase in the utterance beats any similarity score.
		if strings.Contains(joined, " "+strings.Join(stem, " ")+" ") {
			return name, true
		}

		phonetic := codesOverlap(inputCodes, codesForTokens(stem))
		score := bestJWScore(tokens, stem)

		switch {
		case phonetic && score >= m.phoneticThreshold:
			if !best.phonetic || score > best.score {
				best = candidate{name: name, score: score, phonetic: true}
			}
		case !phonetic && !best.phonetic && score >= m.fuzzyThreshold && score > best.score:
			best = candidate{name: name, score: score}
		}
	}
	return best.name, best.name != ""
}

// stemTokens splits a file name without its extension into lowercase words.
func stemTokens(name string) []string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return contentTokens(stem)
}

// contentTokens lowercases text, splits it on anything that is not a letter
// or digit and drops stop words and single characters.
func contentTokens(text string) []string {
	var out []string
	for _, f := range nonWord.Split(strings.ToLower(text), -1) {
		if len(f) < 2 {
			continue
		}
		if _, stop := docStopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity between the stem and
// the utterance. Besides word pairs it compares the concatenated stem with
// runs of up to three adjacent utterance words, which catches "meeting
// notes" against "meetingnotes".
func bestJWScore(input, stem []string) float64 {
	var score float64
	for _, it := range input {
		for _, st := range stem {
			if len(st) < 3 {
				continue
			}
			if s := matchr.JaroWinkler(it, st, false); s > score {
				score = s
			}
		}
	}

	target := strings.Join(stem, "")
	for n := 1; n <= 3 && n <= len(input); n++ {
		for i := 0; i+n <= len(input); i++ {
			if s := matchr.JaroWinkler(strings.Join(input[i:i+n], ""), target, false); s > score {
				score = s
			}
		}
	}
	return score
}
