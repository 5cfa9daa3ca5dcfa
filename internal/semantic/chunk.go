package semantic

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ContentType is the admitted content classification of a Document.
type ContentType string

const (
	ContentTypeDoc       ContentType = "doc"
	ContentTypeCode      ContentType = "code"
	ContentTypeNote      ContentType = "note"
	ContentTypeArticle   ContentType = "article"
	ContentTypeReference ContentType = "reference"
)

var admittedContentTypes = map[ContentType]bool{
	ContentTypeDoc: true, ContentTypeCode: true, ContentTypeNote: true,
	ContentTypeArticle: true, ContentTypeReference: true,
}

// forbiddenKinds names the tiers whose content must not be admitted into
// the Semantic Store (spec §4.4.1, the cross-tier isolation invariant).
var forbiddenKinds = map[string]string{
	"preference":    "symbolic",
	"constraint":    "symbolic",
	"decision":      "symbolic",
	"agent_lesson":  "episodic",
	"chat_history":  "episodic",
}

// ClassifyAdmission rejects documents whose content_type or
// metadata.kind indicates a tier other than Semantic (spec §4.4.1).
// Returns the offending tier name when rejected.
func ClassifyAdmission(contentType ContentType, metadataKind string) (rejectedTier string, ok bool) {
	if !admittedContentTypes[contentType] {
		return "unknown", false
	}
	kind := strings.ToLower(metadataKind)
	for forbiddenKind, tier := range forbiddenKinds {
		if strings.Contains(kind, forbiddenKind) {
			return tier, false
		}
	}
	return "", true
}

// DocumentID computes the stable content-addressed id of a document
// (spec §4.4.2 step 1): hex(sha256(project_id || "\x00" || source_path ||
// "\x00" || content_type)).
func DocumentID(projectID, sourcePath string, contentType ContentType) string {
	h := sha256.New()
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write([]byte(sourcePath))
	h.Write([]byte{0})
	h.Write([]byte(contentType))
	return hex.EncodeToString(h.Sum(nil))
}

// ChunkID computes the deterministic id of a chunk (spec §4.4.2 step 3):
// hex(sha256(document_id || "#" || chunk_index)).
func ChunkID(documentID string, chunkIndex int) string {
	h := sha256.New()
	h.Write([]byte(documentID))
	h.Write([]byte("#"))
	h.Write([]byte(itoa(chunkIndex)))
	return hex.EncodeToString(h.Sum(nil))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Chunk is a deterministically-bounded slice of a document's content
// (spec §3). Embedding is populated later, possibly lazily.
type Chunk struct {
	ChunkID   string
	ChunkIndex int
	Content   string
}

// sentenceBoundaryRe splits on '.', '!', '?' followed by whitespace and an
// uppercase letter (or end of text), guarding a short list of common
// abbreviations that should not end a sentence.
var sentenceBoundaryRe = regexp.MustCompile(`([.!?])(\s+)([A-Z]|$)`)

var abbreviations = map[string]bool{
	"mr.": true, "mrs.": true, "ms.": true, "dr.": true, "vs.": true,
	"e.g.": true, "i.e.": true, "etc.": true, "sr.": true, "jr.": true,
}

// splitParagraphs splits content on blank lines (runs of lines separated
// by at least one empty line), the first chunking boundary in spec
// §4.4.2 step 3.
func splitParagraphs(content string) []string {
	raw := regexp.MustCompile(`\n\s*\n`).Split(content, -1)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// splitSentences splits a paragraph into sentences, used when a
// paragraph exceeds chunkSize.
func splitSentences(paragraph string) []string {
	var sentences []string
	last := 0
	matches := sentenceBoundaryRe.FindAllStringSubmatchIndex(paragraph, -1)
	for _, m := range matches {
		end := m[5] // end of the punctuation+space group, start of next sentence
		candidate := paragraph[last:m[3]]
		lastWord := lastWordOf(paragraph[:m[3]])
		if abbreviations[strings.ToLower(lastWord)] {
			continue
		}
		sentences = append(sentences, strings.TrimSpace(candidate))
		last = end
	}
	if last < len(paragraph) {
		if rest := strings.TrimSpace(paragraph[last:]); rest != "" {
			sentences = append(sentences, rest)
		}
	}
	if len(sentences) == 0 {
		return []string{strings.TrimSpace(paragraph)}
	}
	return sentences
}

func lastWordOf(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// ChunkContent deterministically splits content into Chunks per spec §4.4.2
// step 3: paragraphs, falling back to sentences when a paragraph
// exceeds chunkSize, packed greedily up to chunkSize with chunkOverlap
// characters repeated from the tail of the previous chunk whenever a
// boundary is crossed. The result is a pure function of
// (content, chunkSize, chunkOverlap): re-chunking identical input
// yields identical boundaries.
func ChunkContent(documentID, content string, chunkSize, chunkOverlap int) []Chunk {
	var units []string
	for _, p := range splitParagraphs(content) {
		if len(p) <= chunkSize {
			units = append(units, p)
			continue
		}
		units = append(units, splitSentences(p)...)
	}
	if len(units) == 0 {
		return nil
	}

	var chunks []Chunk
	var builder strings.Builder
	index := 0

	flush := func() {
		text := strings.TrimSpace(builder.String())
		if text == "" {
			return
		}
		chunks = append(chunks, Chunk{
			ChunkID:    ChunkID(documentID, index),
			ChunkIndex: index,
			Content:    text,
		})
		index++
	}

	for _, unit := range units {
		if builder.Len() > 0 && builder.Len()+1+len(unit) > chunkSize {
			tail := tailOverlap(builder.String(), chunkOverlap)
			flush()
			builder.Reset()
			if tail != "" {
				builder.WriteString(tail)
				builder.WriteString(" ")
			}
		}
		if builder.Len() > 0 {
			builder.WriteString(" ")
		}
		builder.WriteString(unit)

		// A single unit may itself exceed chunkSize (e.g. a very long
		// sentence with no further boundary); flush it standalone.
		if builder.Len() >= chunkSize {
			tail := tailOverlap(builder.String(), chunkOverlap)
			flush()
			builder.Reset()
			if tail != "" {
				builder.WriteString(tail)
				builder.WriteString(" ")
			}
		}
	}
	flush()

	return chunks
}

// tailOverlap returns the last n bytes of s, used to seed the next
// chunk's prefix with chunkOverlap bytes of repeated context. The cut
// point is widened backward off a rune boundary so multi-byte UTF-8
// characters at the seam are never split.
func tailOverlap(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return ""
	}
	cut := len(s) - n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[cut:]
}
