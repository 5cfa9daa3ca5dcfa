// Package policy implements the text-scanning primitives shared by the
// Episodic Store's abstraction checks and the Context Orchestrator's
// content-neutralization pass: a canonicalizing tokenizer and an
// Aho-Corasick phrase scanner, adapted from the entity-scanning
// dictionary this module's teacher used for narrative NER.
package policy

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/coregx/ahocorasick"
	"github.com/orsinium-labs/stopwords"
)

// isJoiner reports whether r commonly appears inside a single token
// (apostrophes, hyphens, dots) rather than separating tokens.
func isJoiner(r rune) bool {
	switch r {
	case '\'', '’', '‘', '-', '–', '—', '·', '.', '_':
		return true
	default:
		return false
	}
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !isJoiner(r)
}

// Canonicalize lowercases text and collapses runs of separators to a
// single space, the same normalization used for both pattern compilation
// and document scanning so the two stay consistent.
func Canonicalize(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	lastWasSpace := true

	for _, ch := range s {
		c := unicode.ToLower(ch)
		if c == '’' || c == '‘' {
			c = '\''
		}
		if c == '–' || c == '—' {
			c = '-'
		}
		if unicode.IsLetter(c) || unicode.IsDigit(c) || isJoiner(c) {
			out.WriteRune(c)
			lastWasSpace = false
		} else if !lastWasSpace {
			out.WriteRune(' ')
			lastWasSpace = true
		}
	}

	result := out.String()
	return strings.TrimRight(result, " ")
}

var en = stopwords.MustGet("en")

// Tokenize splits text into lowercase, canonicalized whitespace-separated
// words, matching the Episodic Store's word-overlap invariant (spec
// §3, §4.3): "tokenize on whitespace, lowercase, set overlap".
func Tokenize(s string) []string {
	return strings.Fields(Canonicalize(s))
}

// ContentWords is Tokenize with English stop words removed, used to bias
// metadata-relevance scoring toward meaningful query terms.
func ContentWords(s string) []string {
	words := Tokenize(s)
	out := make([]string, 0, len(words))
	for _, w := range words {
		if en != nil && en.Contains(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// WordOverlapRatio returns the set overlap |set(a) ∩ set(b)| /
// min(|set(a)|, |set(b)|) of the two texts' tokens, the
// abstraction-invariant check from spec §3: "lesson MUST NOT share ≥70%
// of whitespace-tokenized words with situation". It returns 0 when
// either text has no tokens.
func WordOverlapRatio(a, b string) float64 {
	aSet := make(map[string]struct{})
	for _, w := range Tokenize(a) {
		aSet[w] = struct{}{}
	}
	bSet := make(map[string]struct{})
	for _, w := range Tokenize(b) {
		bSet[w] = struct{}{}
	}
	if len(aSet) == 0 || len(bSet) == 0 {
		return 0
	}
	hits := 0
	for w := range aSet {
		if _, ok := bSet[w]; ok {
			hits++
		}
	}
	denom := len(aSet)
	if len(bSet) < denom {
		denom = len(bSet)
	}
	return float64(hits) / float64(denom)
}

// canonicalizeForScan lowercases text and collapses runs of whitespace to
// a single space but, unlike Canonicalize, leaves punctuation intact.
// Scanner patterns like "user:", "[system]", and "###instruction" rely on
// exactly that punctuation to distinguish a transcript marker or directive
// from the bare word appearing in ordinary prose; stripping it would make
// "user:" match any sentence that merely contains "user".
func canonicalizeForScan(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	lastWasSpace := true
	for _, ch := range s {
		c := unicode.ToLower(ch)
		if unicode.IsSpace(c) {
			if !lastWasSpace {
				out.WriteRune(' ')
				lastWasSpace = true
			}
			continue
		}
		out.WriteRune(c)
		lastWasSpace = false
	}
	return strings.TrimRight(out.String(), " ")
}

var pathLikeRe = regexp.MustCompile(`(?:[\w.]+[/\\]){2,}[\w.]+`)

// LooksLikePath reports whether s contains a run of ≥2 path-like
// separators, the heuristic spec §4.3 uses to reject episodic lessons
// that leak raw file paths instead of abstracted lessons.
func LooksLikePath(s string) bool {
	return pathLikeRe.MatchString(s)
}

// Scanner is a compiled multi-pattern phrase matcher built once at
// startup and reused for both the episodic "raw chat marker" rejection
// rule and the orchestrator's content-neutralization pass.
type Scanner struct {
	ac *ahocorasick.Automaton
}

// NewScanner compiles an Aho-Corasick automaton over phrases, each
// normalized with canonicalizeForScan so matching is robust to case and
// whitespace drift while keeping the punctuation that makes a phrase
// distinctive.
func NewScanner(phrases []string) (*Scanner, error) {
	patterns := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if c := canonicalizeForScan(p); c != "" {
			patterns = append(patterns, c)
		}
	}
	ac, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}
	return &Scanner{ac: ac}, nil
}

// ContainsAny reports whether text contains any compiled phrase.
func (s *Scanner) ContainsAny(text string) bool {
	if s == nil || s.ac == nil {
		return false
	}
	hay := []byte(canonicalizeForScan(text))
	matches := s.ac.FindAllOverlapping(hay)
	return len(matches) > 0
}

// ChatMarkerScanner recognizes raw chat transcript markers that an
// episodic lesson must not contain (spec §4.3).
func ChatMarkerScanner() (*Scanner, error) {
	return NewScanner([]string{
		"user:", "assistant:", "system:", "<|im_start|>", "<|im_end|>",
	})
}

// DirectiveScanner recognizes system-directive-shaped phrases that must
// be neutralized before a semantic chunk is emitted (spec §4.5).
func DirectiveScanner() (*Scanner, error) {
	return NewScanner([]string{
		"ignore previous instructions",
		"ignore all prior instructions",
		"ignore the above",
		"disregard previous instructions",
		"you are now",
		"new instructions:",
		"###instruction",
		"<|im_start|>",
		"<|system|>",
		"[system]",
	})
}

// CodeTokenScanner recognizes code-shaped query tokens, used by the
// Semantic Store's metadata_relevance scoring to infer whether a query
// prefers code content_type over prose (spec §4.4.3).
func CodeTokenScanner() (*Scanner, error) {
	return NewScanner([]string{
		"func ", "def ", "class ", "import ", "package ", "::", "=>", "->",
		"{}", "()", "null", "nil", "var ", "const ", "public ", "private ",
	})
}
