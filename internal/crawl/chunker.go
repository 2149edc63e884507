package crawl

import (
	"strings"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
)

const (
	defaultMaxTokens     = 512
	defaultOverlapTokens = 64
)

// ChunkerConfig sizes the chunk windows. Tokens are whitespace words.
type ChunkerConfig struct {
	MaxTokens     int
	OverlapTokens int
}

// Chunker splits parsed pages into retrieval chunks. Headings open a new
// section; a section larger than the window is split with overlap so
// boundary sentences appear in both neighbors.
type Chunker struct {
	maxTokens int
	overlap   int
}

func NewChunker(cfg ChunkerConfig) *Chunker {
	max := cfg.MaxTokens
	if max <= 0 {
		max = defaultMaxTokens
	}
	overlap := cfg.OverlapTokens
	if overlap < 0 {
		overlap = defaultOverlapTokens
	}
	if overlap >= max {
		overlap = max / 4
	}
	return &Chunker{maxTokens: max, overlap: overlap}
}

// Chunk produces the ordered chunks of a page. IDs, vectors, and token
// frequencies are filled in by the caller; this stage owns text, type,
// ordinal, and the heading context.
func (c *Chunker) Chunk(page *Page) []domain.Chunk {
	var out []domain.Chunk
	emit := func(text, heading string, kind domain.ChunkType) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		out = append(out, domain.Chunk{
			Ordinal: len(out),
			Text:    text,
			Context: heading,
			Type:    kind,
		})
	}

	heading := ""
	sectionEmitted := true // no chunk owed before the first heading
	var paras []string

	flushParas := func() {
		if len(paras) == 0 {
			return
		}
		joined := strings.Join(paras, "\n\n")
		paras = paras[:0]
		for _, w := range c.windows(joined) {
			emit(w, heading, domain.ChunkProse)
			sectionEmitted = true
		}
	}
	closeSection := func() {
		flushParas()
		if !sectionEmitted && heading != "" {
			// A heading with no body is still worth finding.
			emit(heading, heading, domain.ChunkHeading)
		}
	}

	for _, block := range page.Blocks {
		switch block.Kind {
		case BlockHeading:
			closeSection()
			heading = block.Text
			sectionEmitted = false
		case BlockCode:
			flushParas()
			for _, w := range c.windows(block.Text) {
				emit(w, heading, domain.ChunkCode)
				sectionEmitted = true
			}
		default:
			paras = append(paras, block.Text)
		}
	}
	closeSection()

	return out
}

// windows cuts text into token windows of maxTokens with the configured
// overlap. Text that fits in one window is returned verbatim, preserving
// its original formatting.
func (c *Chunker) windows(text string) []string {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) <= c.maxTokens {
		return []string{text}
	}

	step := c.maxTokens - c.overlap
	var out []string
	for start := 0; start < len(tokens); start += step {
		end := start + c.maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		out = append(out, strings.Join(tokens[start:end], " "))
		if end == len(tokens) {
			break
		}
	}
	return out
}
