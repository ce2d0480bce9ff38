package regulationwatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/specpatch/bus"
)

const article32 = `framework: GDPR
article: Article 32
title: Security of processing
jurisdiction: EU
severity: High
content: |
  The controller shall implement appropriate technical measures,
  including encryption of personal data.
`

const article32HTML = `<!DOCTYPE html>
<html>
<head>
  <title>Art. 32 GDPR - Security of processing</title>
  <meta name="regulation:framework" content="GDPR">
  <meta name="regulation:article" content="Article 32">
  <meta name="regulation:jurisdiction" content="EU">
  <meta name="regulation:severity" content="high">
</head>
<body>
  <nav><a href="/">Home</a></nav>
  <main>
    <h1>Security of processing</h1>
    <p>The controller shall implement <strong>encryption</strong> of personal data.</p>
  </main>
  <footer>Cookie settings</footer>
</body>
</html>`

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func published(t *testing.T, b *bus.MemoryBus) []bus.RegulationEvent {
	t.Helper()
	var out []bus.RegulationEvent
	for _, m := range b.Messages(bus.SubjectRegulationPublished) {
		env, err := bus.RegulationPublished.Decode(m.Data)
		require.NoError(t, err)
		out = append(out, env.Payload)
	}
	return out
}

func TestConverter_Convert(t *testing.T) {
	page, err := NewConverter().Convert([]byte(article32HTML))
	require.NoError(t, err)

	assert.Equal(t, "Art. 32 GDPR - Security of processing", page.Title)
	assert.Equal(t, "GDPR", page.Meta["framework"])
	assert.Equal(t, "Article 32", page.Meta["article"])
	assert.Contains(t, page.Markdown, "# Security of processing")
	assert.Contains(t, page.Markdown, "**encryption**")
	assert.NotContains(t, page.Markdown, "Home")
	assert.NotContains(t, page.Markdown, "Cookie")
}

func TestConverter_BodyFallback(t *testing.T) {
	page, err := NewConverter().Convert([]byte(`<html><body>
<div class="sidebar">Links</div>
<script>track()</script>
<h1>Article 5</h1><p>Principles.</p>
</body></html>`))
	require.NoError(t, err)

	assert.Equal(t, "Article 5", page.Title)
	assert.Contains(t, page.Markdown, "Principles.")
	assert.NotContains(t, page.Markdown, "Links")
	assert.NotContains(t, page.Markdown, "track()")
}

const article25HTML = `<!DOCTYPE html>
<html>
<head><title>Art. 25 GDPR</title></head>
<body>
<div id="menu" class="navigation"><a href="/">Home</a> <a href="/subscribe">Subscribe to updates</a></div>
<div class="content">
<h1>Data protection by design and by default</h1>
<p>Taking into account the state of the art, the cost of implementation and the nature, scope, context and purposes of processing, the controller shall implement appropriate technical and organisational measures.</p>
<p>The controller shall, both at the time of the determination of the means for processing and at the time of the processing itself, implement measures such as pseudonymisation, which are designed to implement data-protection principles, such as data minimisation, in an effective manner.</p>
<ol>
<li>Measures shall ensure that by default only personal data which are necessary for each specific purpose of the processing are processed, including the amount, the extent, the period of storage and the accessibility.</li>
<li>Such measures shall ensure that by default personal data are not made accessible, without the individual's intervention, to an indefinite number of natural persons, in particular, in a public register.</li>
</ol>
<p>An approved certification mechanism pursuant to Article 42 may be used as an element to demonstrate compliance with the requirements set out in paragraphs 1 and 2 of this Article, which applies to every controller.</p>
</div>
<div class="footer">Copyright notice and cookie settings</div>
</body>
</html>`

func TestConverter_ReadableContentWithoutLandmarks(t *testing.T) {
	page, err := NewConverter().Convert([]byte(article25HTML))
	require.NoError(t, err)

	assert.Equal(t, "Art. 25 GDPR", page.Title)
	assert.Contains(t, page.Markdown, "pseudonymisation")
	assert.Contains(t, page.Markdown, "only personal data which are necessary")
	assert.Contains(t, page.Markdown, "indefinite number of natural persons")
	assert.NotContains(t, page.Markdown, "Subscribe to updates")
	assert.NotContains(t, page.Markdown, "Copyright notice")
}

func TestParser_Parse(t *testing.T) {
	p := NewParser()

	t.Run("yaml", func(t *testing.T) {
		regs, err := p.Parse("gdpr/art32.yaml", []byte(article32))
		require.NoError(t, err)
		require.Len(t, regs, 1)
		assert.Equal(t, "GDPR Article 32", regs[0].Ref())
		assert.Equal(t, "high", regs[0].Severity)
		assert.True(t, strings.HasPrefix(regs[0].Content, "The controller"))
	})

	t.Run("multi-document yaml", func(t *testing.T) {
		data := article32 + "---\nframework: HIPAA\narticle: \"164.312\"\njurisdiction: US\ncontent: Access control.\n"
		regs, err := p.Parse("regs.yml", []byte(data))
		require.NoError(t, err)
		require.Len(t, regs, 2)
		assert.Equal(t, "HIPAA 164.312", regs[1].Ref())
	})

	t.Run("html", func(t *testing.T) {
		regs, err := p.Parse("art32.html", []byte(article32HTML))
		require.NoError(t, err)
		require.Len(t, regs, 1)
		assert.Equal(t, "EU", regs[0].Jurisdiction)
		assert.Equal(t, "Art. 32 GDPR - Security of processing", regs[0].Title)
		assert.Contains(t, regs[0].Content, "encryption")
	})

	t.Run("html without meta", func(t *testing.T) {
		_, err := p.Parse("page.html", []byte("<html><body><p>text</p></body></html>"))
		assert.ErrorContains(t, err, "framework")
	})

	t.Run("missing jurisdiction", func(t *testing.T) {
		_, err := p.Parse("x.yaml", []byte("framework: GDPR\narticle: Article 5\n"))
		assert.ErrorContains(t, err, "jurisdiction")
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := p.Parse("notes.txt", []byte("hello"))
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})
}

func TestComponent_Scan(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	write(t, filepath.Join(dir, "gdpr", "art32.yaml"), article32)
	write(t, filepath.Join(dir, "pages", "art32.html"), strings.Replace(article32HTML, "Article 32", "Article 33", 1))
	write(t, filepath.Join(dir, "notes.txt"), "ignored")
	write(t, filepath.Join(dir, ".drafts", "art99.yaml"), strings.Replace(article32, "Article 32", "Article 99", 1))
	write(t, filepath.Join(dir, "broken.yaml"), "framework: GDPR\n")

	b := bus.NewMemoryBus()
	c, err := New(Config{Dir: dir}, b)
	require.NoError(t, err)
	require.NoError(t, c.Scan(ctx))

	events := published(t, b)
	require.Len(t, events, 2)
	refs := []string{events[0].Regulation.Ref(), events[1].Regulation.Ref()}
	assert.ElementsMatch(t, []string{"GDPR Article 32", "GDPR Article 33"}, refs)
	for _, ev := range events {
		assert.True(t, strings.HasPrefix(ev.Source, "regulation-watcher:"))
	}

	// Unchanged content is not republished
	require.NoError(t, c.Scan(ctx))
	assert.Len(t, published(t, b), 2)
}

func TestComponent_IncludeGlobs(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "gdpr", "art32.yaml"), article32)
	write(t, filepath.Join(dir, "hipaa", "164.yaml"), strings.Replace(article32, "GDPR", "HIPAA", 1))

	b := bus.NewMemoryBus()
	c, err := New(Config{Dir: dir, Include: []string{"gdpr/**/*.yaml"}}, b)
	require.NoError(t, err)
	require.NoError(t, c.Scan(context.Background()))

	events := published(t, b)
	require.Len(t, events, 1)
	assert.Equal(t, "GDPR", events[0].Regulation.Framework)
}

func TestComponent_AmendmentRepublishes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "art32.yaml")
	write(t, path, article32)

	b := bus.NewMemoryBus()
	c, err := New(Config{Dir: dir}, b)
	require.NoError(t, err)
	require.NoError(t, c.ProcessFile(ctx, path))

	write(t, path, article32+"  Pseudonymisation is required.\n")
	require.NoError(t, c.ProcessFile(ctx, path))

	events := published(t, b)
	require.Len(t, events, 2)
	assert.NotEqual(t, events[0].Regulation.Fingerprint(), events[1].Regulation.Fingerprint())
}

func TestComponent_PublishFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "art32.yaml")
	write(t, path, article32)

	b := bus.NewMemoryBus()
	c, err := New(Config{Dir: dir}, b)
	require.NoError(t, err)

	b.SetErr(errors.New("nats down"))
	c.requeue(path)
	c.flushPending(ctx)
	assert.Empty(t, published(t, b))

	b.SetErr(nil)
	c.flushPending(ctx)
	assert.Len(t, published(t, b), 1)
}

func TestComponent_InvalidConfig(t *testing.T) {
	_, err := New(Config{}, bus.NewMemoryBus())
	assert.Error(t, err)

	_, err = New(Config{Dir: t.TempDir(), Include: []string{"[unclosed"}}, bus.NewMemoryBus())
	assert.Error(t, err)
}

func TestComponent_Run(t *testing.T) {
	dir := t.TempDir()
	b := bus.NewMemoryBus()
	c, err := New(Config{Dir: dir, Debounce: 20 * time.Millisecond}, b)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	write(t, filepath.Join(dir, "new", "art32.yaml"), article32)

	assert.Eventually(t, func() bool {
		return len(b.Messages(bus.SubjectRegulationPublished)) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
