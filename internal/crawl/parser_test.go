package crawl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <title>  Queue   Guide </title>
  <style>body { color: red }</style>
  <script>var tracked = true;</script>
</head>
<body>
  <nav><a href="/ignored-nav">nav link</a></nav>
  <h1>Queues</h1>
  <p>A queue hands work to <em>background</em> workers.</p>
  <h2>Enqueue</h2>
  <p>Call enqueue with a <a href="/api/enqueue">job kind</a>.</p>
  <pre>q.Enqueue(ctx, "crawl_source")
// returns the job id</pre>
  <ul>
    <li>at-least-once</li>
    <li>idempotent handlers</li>
  </ul>
  <a href="relative/page#section">relative</a>
  <a href="https://other.example.com/external">external</a>
  <a href="mailto:team@example.com">mail</a>
  <a href="/api/enqueue">duplicate</a>
  <footer>copyright</footer>
</body>
</html>`

func TestParseHTMLExtractsStructure(t *testing.T) {
	page, err := ParseHTML("https://docs.example.com/guide/", strings.NewReader(samplePage))
	require.NoError(t, err)

	assert.Equal(t, "Queue Guide", page.Title)
	assert.Equal(t, []string{"Queues", "Enqueue"}, page.Headings)

	var kinds []BlockKind
	var texts []string
	for _, b := range page.Blocks {
		kinds = append(kinds, b.Kind)
		texts = append(texts, b.Text)
	}
	assert.Equal(t, []BlockKind{
		BlockHeading, BlockParagraph, BlockHeading, BlockParagraph,
		BlockCode, BlockParagraph, BlockParagraph, BlockParagraph,
	}, kinds)
	assert.Equal(t, "A queue hands work to background workers.", texts[1])
	assert.Equal(t, "Call enqueue with a job kind.", texts[3])
	assert.Contains(t, texts[4], "q.Enqueue(ctx, \"crawl_source\")\n// returns the job id")
	assert.Equal(t, "at-least-once", texts[5])
	assert.Equal(t, "idempotent handlers", texts[6])
	assert.Equal(t, "relative external mail duplicate", texts[7],
		"trailing inline link text flushes as its own paragraph")

	assert.NotContains(t, strings.Join(texts, " "), "tracked", "script text must not leak")
	assert.NotContains(t, strings.Join(texts, " "), "copyright", "footer text must not leak")
	assert.NotContains(t, strings.Join(texts, " "), "nav link")
}

func TestParseHTMLResolvesLinks(t *testing.T) {
	page, err := ParseHTML("https://docs.example.com/guide/", strings.NewReader(samplePage))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://docs.example.com/api/enqueue",
		"https://docs.example.com/guide/relative/page",
		"https://other.example.com/external",
	}, page.Links, "fragments stripped, duplicates and non-http schemes dropped, nav links skipped")
}

func TestParseHTMLHeadingLevels(t *testing.T) {
	page, err := ParseHTML("https://x.test/", strings.NewReader(
		`<html><body><h3>Deep</h3><p>text</p></body></html>`))
	require.NoError(t, err)
	require.NotEmpty(t, page.Blocks)
	assert.Equal(t, BlockHeading, page.Blocks[0].Kind)
	assert.Equal(t, 3, page.Blocks[0].Level)
}

func TestParseHTMLTitleFallsBackToFirstHeading(t *testing.T) {
	page, err := ParseHTML("https://x.test/", strings.NewReader(
		`<html><body><h1>Only Heading</h1></body></html>`))
	require.NoError(t, err)
	assert.Equal(t, "Only Heading", page.Title)
}

func TestParseHTMLBadURL(t *testing.T) {
	_, err := ParseHTML("://not a url", strings.NewReader("<html></html>"))
	require.Error(t, err)
}
