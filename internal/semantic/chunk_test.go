package semantic

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTailOverlapDoesNotSplitMultiByteRunes(t *testing.T) {
	s := strings.Repeat("a", 20) + "日本語のテキスト"
	tail := tailOverlap(s, 5)
	if !utf8.ValidString(tail) {
		t.Fatalf("tailOverlap produced invalid UTF-8: %q", tail)
	}
}

func TestChunkContentOverlapIsValidUTF8(t *testing.T) {
	content := strings.Repeat("word ", 100) + "日本語のテキストがここにあります。" + strings.Repeat(" more text", 100)
	chunks := ChunkContent("doc", content, 80, 20)
	for _, c := range chunks {
		if !utf8.ValidString(c.Content) {
			t.Fatalf("chunk %d content is invalid UTF-8: %q", c.ChunkIndex, c.Content)
		}
	}
}
