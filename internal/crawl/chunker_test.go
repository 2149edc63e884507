package crawl

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
)

func words(n int, prefix string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func TestChunkShortSectionStaysWhole(t *testing.T) {
	c := NewChunker(ChunkerConfig{MaxTokens: 50, OverlapTokens: 10})
	page := &Page{Blocks: []Block{
		{Kind: BlockHeading, Level: 1, Text: "Install"},
		{Kind: BlockParagraph, Text: "Download the binary."},
		{Kind: BlockParagraph, Text: "Put it on your PATH."},
	}}

	chunks := c.Chunk(page)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Download the binary.\n\nPut it on your PATH.", chunks[0].Text)
	assert.Equal(t, "Install", chunks[0].Context)
	assert.Equal(t, domain.ChunkProse, chunks[0].Type)
	assert.Equal(t, 0, chunks[0].Ordinal)
}

func TestChunkWindowsReconstructOriginalTokens(t *testing.T) {
	const max, overlap = 40, 8
	c := NewChunker(ChunkerConfig{MaxTokens: max, OverlapTokens: overlap})
	original := words(173, "w")
	page := &Page{Blocks: []Block{
		{Kind: BlockHeading, Level: 2, Text: "Long"},
		{Kind: BlockParagraph, Text: original},
	}}

	chunks := c.Chunk(page)
	require.Greater(t, len(chunks), 1)

	// Dropping each window's leading overlap tokens must reproduce the
	// original token stream exactly.
	rebuilt := strings.Fields(chunks[0].Text)
	for _, ch := range chunks[1:] {
		toks := strings.Fields(ch.Text)
		require.GreaterOrEqual(t, len(toks), overlap)
		assert.Equal(t, rebuilt[len(rebuilt)-overlap:], toks[:overlap],
			"window must start with the previous window's tail")
		rebuilt = append(rebuilt, toks[overlap:]...)
	}
	assert.Equal(t, strings.Fields(original), rebuilt)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
		assert.Equal(t, "Long", ch.Context)
		assert.LessOrEqual(t, len(strings.Fields(ch.Text)), max)
	}
}

func TestChunkHeadingWithoutBodyIsSearchable(t *testing.T) {
	c := NewChunker(ChunkerConfig{MaxTokens: 50, OverlapTokens: 5})
	page := &Page{Blocks: []Block{
		{Kind: BlockHeading, Level: 1, Text: "Overview"},
		{Kind: BlockParagraph, Text: "Some text."},
		{Kind: BlockHeading, Level: 2, Text: "Deprecated APIs"},
		{Kind: BlockHeading, Level: 2, Text: "Migration"},
		{Kind: BlockParagraph, Text: "Move to v2."},
	}}

	chunks := c.Chunk(page)
	require.Len(t, chunks, 3)
	assert.Equal(t, domain.ChunkProse, chunks[0].Type)
	assert.Equal(t, "Deprecated APIs", chunks[1].Text)
	assert.Equal(t, domain.ChunkHeading, chunks[1].Type)
	assert.Equal(t, "Move to v2.", chunks[2].Text)
	assert.Equal(t, "Migration", chunks[2].Context)
}

func TestChunkCodeBlocksKeepFormatting(t *testing.T) {
	c := NewChunker(ChunkerConfig{MaxTokens: 50, OverlapTokens: 5})
	code := "func main() {\n\tfmt.Println(\"hi\")\n}"
	page := &Page{Blocks: []Block{
		{Kind: BlockHeading, Level: 1, Text: "Example"},
		{Kind: BlockParagraph, Text: "A minimal program:"},
		{Kind: BlockCode, Text: code},
		{Kind: BlockParagraph, Text: "Run it with go run."},
	}}

	chunks := c.Chunk(page)
	require.Len(t, chunks, 3)
	assert.Equal(t, "A minimal program:", chunks[0].Text)
	assert.Equal(t, code, chunks[1].Text, "code that fits one window keeps its newlines")
	assert.Equal(t, domain.ChunkCode, chunks[1].Type)
	assert.Equal(t, "Example", chunks[1].Context)
	assert.Equal(t, "Run it with go run.", chunks[2].Text)
}

func TestChunkTextBeforeFirstHeading(t *testing.T) {
	c := NewChunker(ChunkerConfig{MaxTokens: 50, OverlapTokens: 5})
	page := &Page{Blocks: []Block{
		{Kind: BlockParagraph, Text: "Intro prose with no heading."},
		{Kind: BlockHeading, Level: 1, Text: "Later"},
		{Kind: BlockParagraph, Text: "Body."},
	}}

	chunks := c.Chunk(page)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Intro prose with no heading.", chunks[0].Text)
	assert.Empty(t, chunks[0].Context)
	assert.Equal(t, "Later", chunks[1].Context)
}

func TestChunkEmptyPage(t *testing.T) {
	c := NewChunker(ChunkerConfig{})
	assert.Empty(t, c.Chunk(&Page{}))
}

func TestNewChunkerNormalizesConfig(t *testing.T) {
	c := NewChunker(ChunkerConfig{MaxTokens: 100, OverlapTokens: 100})
	assert.Equal(t, 25, c.overlap, "overlap at or above the window shrinks to a quarter")

	d := NewChunker(ChunkerConfig{})
	assert.Equal(t, defaultMaxTokens, d.maxTokens)
	assert.Equal(t, defaultOverlapTokens, d.overlap)
}
