package cache

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTagIsStableForEqualInputs(t *testing.T) {
	a := New(Options{Secret: "k"})
	b := New(Options{Secret: "k"})
	other := New(Options{Secret: "different"})

	mtime := time.Unix(1700000000, 12345)
	assert.Equal(t, a.Tag("/x/y", 10, mtime), b.Tag("/x/y", 10, mtime))
	assert.NotEqual(t, a.Tag("/x/y", 10, mtime), a.Tag("/x/y", 11, mtime))
	assert.NotEqual(t, a.Tag("/x/y", 10, mtime), other.Tag("/x/y", 10, mtime))
	assert.Len(t, a.Tag("/x/y", 10, mtime), 32)
}

func TestBuildBuffersSmallFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "page.html", "<h1>hello</h1>")
	c := New(Options{})

	e, err := c.Build(path, "/page.html", "text/html")
	require.NoError(t, err)
	assert.True(t, e.Buffered())
	assert.Equal(t, []byte("<h1>hello</h1>"), e.Raw)

	// html is compressible, so the gzip variant was precomputed.
	require.NotNil(t, e.Gzip)
	zr, err := gzip.NewReader(bytes.NewReader(e.Gzip))
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, e.Raw, out)
}

func TestBuildStreamsLargeFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "big.bin", "0123456789")
	c := New(Options{Max: 4}) // anything >= 4 bytes streams

	e, err := c.Build(path, "/big.bin", "application/octet-stream")
	require.NoError(t, err)
	assert.False(t, e.Buffered())
	assert.Nil(t, e.Gzip)
	assert.Equal(t, int64(10), e.Size)
}

func TestLookupRebuildsOnFingerprintChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "f.txt", "one")
	c := New(Options{})

	first, err := c.Lookup(path, "/f.txt", "text/plain")
	require.NoError(t, err)

	// Same fingerprint serves the published entry.
	again, err := c.Lookup(path, "/f.txt", "text/plain")
	require.NoError(t, err)
	assert.Same(t, first, again)

	require.NoError(t, os.WriteFile(path, []byte("two-longer"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	rebuilt, err := c.Lookup(path, "/f.txt", "text/plain")
	require.NoError(t, err)
	assert.NotEqual(t, first.Tag, rebuilt.Tag)
	assert.Equal(t, []byte("two-longer"), rebuilt.Raw)
}

func TestEtagsAndMatching(t *testing.T) {
	e := &Entry{Tag: "abc123"}

	assert.Equal(t, `"abc123"`, e.EtagStrong())
	assert.Equal(t, `W/"abc123"`, e.EtagWeak())
	assert.Equal(t, `"abc123-gz"`, e.EtagGzip())

	assert.True(t, e.MatchEtag(`"abc123"`))
	assert.True(t, e.MatchEtag(`W/"abc123"`))
	assert.True(t, e.MatchEtag(`"abc123-gz"`))
	assert.True(t, e.MatchEtag(`"zzz", "abc123"`))
	assert.True(t, e.MatchEtag("*"))
	assert.False(t, e.MatchEtag(`"other"`))
	assert.False(t, e.MatchEtag(""))
}

func TestEntryLimit(t *testing.T) {
	c := New(Options{Limit: 1})
	c.Put(&Entry{Path: "/a"})
	c.Put(&Entry{Path: "/b"}) // over the limit, dropped
	assert.Equal(t, 1, c.Len())
	assert.NotNil(t, c.Get("/a"))
	assert.Nil(t, c.Get("/b"))

	// Replacing an existing entry is always allowed.
	c.Put(&Entry{Path: "/a", Tag: "v2"})
	assert.Equal(t, "v2", c.Get("/a").Tag)

	c.Delete("/a")
	assert.Equal(t, 0, c.Len())
}

func TestGzipToRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	n, err := GzipTo(&buf, bytes.NewReader([]byte("stream me please")))
	require.NoError(t, err)
	assert.Equal(t, int64(len("stream me please")), n)

	zr, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "stream me please", string(out))
}
