package ware

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crofthost/croft/internal/bodyparse"
	"github.com/crofthost/croft/internal/cache"
	"github.com/crofthost/croft/internal/pipeline"
	"github.com/crofthost/croft/internal/stats"
)

// contentSite wires a content middleware over a throwaway root, with a
// trailing route to observe fall-through.
func contentSite(t *testing.T, opts ContentOptions) (*pipeline.Pipeline, string) {
	t.Helper()
	root := t.TempDir()
	opts.Root = root
	scope := &Scope{
		Site:  "test",
		Log:   zap.NewNop(),
		Stats: stats.NewRegistry(),
		Cache: cache.New(cache.Options{}),
	}
	p := pipeline.New(pipeline.Options{Limits: bodyparse.Limits{TempDir: t.TempDir()}})
	p.MustHandle("any", "*", Content(scope, opts))
	p.MustHandle("any", "*", func(c *pipeline.Context) error {
		c.Payload = map[string]any{"fellThrough": true}
		return nil
	})
	return p, root
}

func TestContentServesFile(t *testing.T) {
	p, root := contentSite(t, ContentOptions{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.json"), []byte(`{"hello":"world"}`), 0o644))

	rec := serve(p, httptest.NewRequest(http.MethodGet, "/hello.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"hello":"world"}`, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.NotEmpty(t, rec.Header().Get("Etag"))
	assert.NotEmpty(t, rec.Header().Get("Last-Modified"))
	assert.Equal(t, "public, max-age=300", rec.Header().Get("Cache-Control"))
}

func TestContentConditionalGet(t *testing.T) {
	p, root := contentSite(t, ContentOptions{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "page.html"), []byte("<p>hi</p>"), 0o644))

	rec := serve(p, httptest.NewRequest(http.MethodGet, "/page.html", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("Etag")
	modified := rec.Header().Get("Last-Modified")

	req := httptest.NewRequest(http.MethodGet, "/page.html", nil)
	req.Header.Set("If-None-Match", etag)
	rec = serve(p, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Zero(t, rec.Body.Len())
	assert.Equal(t, etag, rec.Header().Get("Etag"))

	// The gzip variant tag also matches.
	req = httptest.NewRequest(http.MethodGet, "/page.html", nil)
	req.Header.Set("If-None-Match", strings.TrimSuffix(etag, `"`)+`-gz"`)
	assert.Equal(t, http.StatusNotModified, serve(p, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/page.html", nil)
	req.Header.Set("If-Modified-Since", modified)
	assert.Equal(t, http.StatusNotModified, serve(p, req).Code)

	// A stale validator gets the full body again.
	req = httptest.NewRequest(http.MethodGet, "/page.html", nil)
	req.Header.Set("If-None-Match", `"0000"`)
	assert.Equal(t, http.StatusOK, serve(p, req).Code)
}

func TestContentGzipNegotiation(t *testing.T) {
	p, root := contentSite(t, ContentOptions{})
	text := strings.Repeat("compress me ", 100)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(text), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/big.txt", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	rec := serve(p, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.True(t, strings.HasSuffix(rec.Header().Get("Etag"), `-gz"`))

	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, text, string(plain))

	// Without Accept-Encoding the identity body goes out.
	rec = serve(p, httptest.NewRequest(http.MethodGet, "/big.txt", nil))
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, text, rec.Body.String())
	assert.False(t, strings.HasSuffix(rec.Header().Get("Etag"), `-gz"`))
}

func TestContentStreamsLargeFiles(t *testing.T) {
	root := t.TempDir()
	scope := &Scope{
		Site:  "test",
		Log:   zap.NewNop(),
		Stats: stats.NewRegistry(),
		Cache: cache.New(cache.Options{Max: 16}), // everything streams
	}
	p := pipeline.New(pipeline.Options{})
	p.MustHandle("any", "*", Content(scope, ContentOptions{Root: root}))

	text := strings.Repeat("stream ", 64)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(text), 0o644))

	rec := serve(p, httptest.NewRequest(http.MethodGet, "/big.txt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, text, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/big.txt", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec = serve(p, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, text, string(plain))
}

func TestContentTraversalForbidden(t *testing.T) {
	p, root := contentSite(t, ContentOptions{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.txt"), []byte("x"), 0o644))

	rec := serve(p, httptest.NewRequest(http.MethodGet, "/../outside.txt", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(p, httptest.NewRequest(http.MethodGet, "/a/../../outside.txt", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestContentMissFallsThrough(t *testing.T) {
	p, _ := contentSite(t, ContentOptions{})

	rec := serve(p, httptest.NewRequest(http.MethodGet, "/absent.txt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["fellThrough"])
}

func TestContentSymlinkFallsThrough(t *testing.T) {
	p, root := contentSite(t, ContentOptions{})
	target := filepath.Join(root, "real.txt")
	require.NoError(t, os.WriteFile(target, []byte("real"), 0o644))
	require.NoError(t, os.Symlink(target, filepath.Join(root, "link.txt")))

	rec := serve(p, httptest.NewRequest(http.MethodGet, "/link.txt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["fellThrough"])
}

func TestContentIndexFile(t *testing.T) {
	p, root := contentSite(t, ContentOptions{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>home</h1>"), 0o644))

	rec := serve(p, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>home</h1>", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}

func TestContentDirectoryListing(t *testing.T) {
	p, root := contentSite(t, ContentOptions{Indexing: true})
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("h"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	rec := serve(p, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "a.txt")
	assert.Contains(t, body, "sub/")
	assert.NotContains(t, body, ".hidden")

	// Listing off: a directory without an index is refused.
	p2, _ := contentSite(t, ContentOptions{})
	rec = serve(p2, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestContentGetAuth(t *testing.T) {
	p, root := contentSite(t, ContentOptions{Auth: "getAuth"})
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("s"), 0o644))

	rec := serve(p, httptest.NewRequest(http.MethodGet, "/secret.txt", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func uploadRequest(t *testing.T, path string, fields map[string]string, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("upload", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestContentUpload(t *testing.T) {
	p, root := contentSite(t, ContentOptions{})

	rec := serve(p, uploadRequest(t, "/", map[string]string{"folder": "docs"}, "note.txt", "first"))
	require.Equal(t, http.StatusOK, rec.Code)
	written, err := os.ReadFile(filepath.Join(root, "docs", "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(written))
	assert.Contains(t, rec.Body.String(), `"written"`)

	// Existing file without force: skipped, content untouched.
	rec = serve(p, uploadRequest(t, "/", map[string]string{"folder": "docs"}, "note.txt", "second"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"skipped"`)
	written, _ = os.ReadFile(filepath.Join(root, "docs", "note.txt"))
	assert.Equal(t, "first", string(written))

	// force overwrites.
	rec = serve(p, uploadRequest(t, "/", map[string]string{"folder": "docs", "force": "true"}, "note.txt", "second"))
	require.Equal(t, http.StatusOK, rec.Code)
	written, _ = os.ReadFile(filepath.Join(root, "docs", "note.txt"))
	assert.Equal(t, "second", string(written))

	// backup copies the current file aside before writing.
	rec = serve(p, uploadRequest(t, "/", map[string]string{"folder": "docs", "backup": "note.bak"}, "note.txt", "third"))
	require.Equal(t, http.StatusOK, rec.Code)
	backup, err := os.ReadFile(filepath.Join(root, "docs", "note.bak"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(backup))
	written, _ = os.ReadFile(filepath.Join(root, "docs", "note.txt"))
	assert.Equal(t, "third", string(written))
}

func TestContentUploadWithoutFilesIs400(t *testing.T) {
	p, _ := contentSite(t, ContentOptions{})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(p, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
