package bodyparse

import (
	"bytes"
	"encoding/base64"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits(t *testing.T) Limits {
	t.Helper()
	return Limits{TempDir: t.TempDir()}
}

func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	return matches
}

func TestParseJSONPlain(t *testing.T) {
	body, err := parseJSON(strings.NewReader(`{"a":1,"s":"plain text","nested":{"b":[true,null]}}`), testLimits(t))
	require.NoError(t, err)
	assert.Equal(t, "json", body.Kind)
	data := body.Data.(map[string]any)
	assert.Equal(t, 1.0, data["a"])
	assert.Equal(t, "plain text", data["s"])
	assert.Empty(t, body.Files)
}

func TestParseJSONEmbeddedDataURL(t *testing.T) {
	limits := testLimits(t)
	payload := base64.StdEncoding.EncodeToString([]byte("hello world!"))
	doc := `{"name":"pic","file":"data:image/png;base64,` + payload + `","after":true}`

	body, err := parseJSON(strings.NewReader(doc), limits)
	require.NoError(t, err)
	require.Len(t, body.Files, 1)

	f := body.Files[0]
	assert.Equal(t, "image/png", f.Mime)
	assert.Equal(t, int64(12), f.Size)
	content, err := os.ReadFile(f.TempFile)
	require.NoError(t, err)
	assert.Equal(t, "hello world!", string(content))

	// The string value was replaced by a placeholder object.
	data := body.Data.(map[string]any)
	ph := data["file"].(map[string]any)
	assert.Equal(t, float64(12), ph["size"])
	assert.Equal(t, "image/png", ph["mime"])
	assert.Equal(t, "base64", ph["encoding"])
	assert.Equal(t, f.TempFile, ph["tempFile"])
	assert.Equal(t, "pic", data["name"])
	assert.Equal(t, true, data["after"])
}

func TestParseJSONDataPrefixWithoutBase64StaysText(t *testing.T) {
	body, err := parseJSON(strings.NewReader(`{"s":"data:just-a-string"}`), testLimits(t))
	require.NoError(t, err)
	data := body.Data.(map[string]any)
	assert.Equal(t, "data:just-a-string", data["s"])
	assert.Empty(t, body.Files)
}

func TestParseJSONUploadCeilingUnlinksTempFile(t *testing.T) {
	limits := testLimits(t)
	limits.UploadMax = 8
	payload := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("x"), 64))
	doc := `{"file":"data:application/pdf;base64,` + payload + `"}`

	_, err := parseJSON(strings.NewReader(doc), limits)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Empty(t, tempFiles(t, limits.TempDir))
}

func TestParseJSONStructureCeiling(t *testing.T) {
	limits := testLimits(t)
	limits.RequestMax = 16
	_, err := parseJSON(strings.NewReader(`{"k":"`+strings.Repeat("v", 64)+`"}`), limits)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestParseJSONMalformed(t *testing.T) {
	_, err := parseJSON(strings.NewReader(`{"unterminated`), testLimits(t))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = parseJSON(strings.NewReader(`not json at all`), testLimits(t))
	assert.ErrorIs(t, err, ErrMalformed)
}

func multipartBody(t *testing.T, fields map[string]string, filename, fileContent string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("upload", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(fileContent))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.Boundary()
}

func TestParseMultipartFieldsAndFile(t *testing.T) {
	limits := testLimits(t)
	buf, boundary := multipartBody(t, map[string]string{"folder": "docs", "force": "true"}, "a.txt", "file body")

	body, err := parseMultipart(buf, boundary, limits)
	require.NoError(t, err)
	assert.Equal(t, "form", body.Kind)

	fields := body.Data.(map[string]any)
	assert.Equal(t, "docs", fields["folder"])
	assert.Equal(t, "true", fields["force"])

	require.Len(t, body.Files, 1)
	f := body.Files[0]
	assert.Equal(t, "upload", f.Field)
	assert.Equal(t, "a.txt", f.Filename)
	assert.Equal(t, int64(len("file body")), f.Size)
	content, err := os.ReadFile(f.TempFile)
	require.NoError(t, err)
	assert.Equal(t, "file body", string(content))
}

func TestParseMultipartUploadCeilingUnlinksTempFile(t *testing.T) {
	limits := testLimits(t)
	limits.UploadMax = 10
	buf, boundary := multipartBody(t, nil, "big.bin", strings.Repeat("x", 11))

	_, err := parseMultipart(buf, boundary, limits)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Empty(t, tempFiles(t, limits.TempDir))
}

func TestParseMultipartFailureCleansEarlierFiles(t *testing.T) {
	limits := testLimits(t)
	limits.UploadMax = 10

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	small, err := mw.CreateFormFile("a", "small.txt")
	require.NoError(t, err)
	_, _ = small.Write([]byte("tiny"))
	big, err := mw.CreateFormFile("b", "big.bin")
	require.NoError(t, err)
	_, _ = big.Write(bytes.Repeat([]byte("x"), 20))
	require.NoError(t, mw.Close())

	_, err = parseMultipart(&buf, mw.Boundary(), limits)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Empty(t, tempFiles(t, limits.TempDir))
}

func TestParseURLEncoded(t *testing.T) {
	body, err := parseURLEncoded(strings.NewReader("a=1&b=two&b=three"), testLimits(t))
	require.NoError(t, err)
	fields := body.Data.(map[string]any)
	assert.Equal(t, "1", fields["a"])
	assert.Equal(t, []string{"two", "three"}, fields["b"])
}

func TestParseText(t *testing.T) {
	body, err := parseText(strings.NewReader("plain\ntext"), testLimits(t))
	require.NoError(t, err)
	assert.Equal(t, "text", body.Kind)
	assert.Equal(t, "plain\ntext", body.Text)
}

func TestParseOctetStreamsToTempFile(t *testing.T) {
	limits := testLimits(t)
	body, err := parseOctet(strings.NewReader("binary payload"), limits)
	require.NoError(t, err)
	require.Len(t, body.Files, 1)

	content, err := os.ReadFile(body.Files[0].TempFile)
	require.NoError(t, err)
	assert.Equal(t, "binary payload", string(content))

	data := body.Data.(map[string]any)
	assert.Equal(t, int64(len("binary payload")), data["size"])
}

func TestParseOctetCeiling(t *testing.T) {
	limits := testLimits(t)
	limits.UploadMax = 4
	_, err := parseOctet(strings.NewReader("way too long"), limits)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Empty(t, tempFiles(t, limits.TempDir))
}

func TestParseDispatch(t *testing.T) {
	limits := testLimits(t)

	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"x":1}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	body, err := Parse(req, limits)
	require.NoError(t, err)
	assert.Equal(t, "json", body.Kind)

	req = httptest.NewRequest("POST", "/", strings.NewReader("a=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	body, err = Parse(req, limits)
	require.NoError(t, err)
	assert.Equal(t, "urlencoded", body.Kind)

	req = httptest.NewRequest("POST", "/", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	body, err = Parse(req, limits)
	require.NoError(t, err)
	assert.Equal(t, "text", body.Kind)

	req = httptest.NewRequest("POST", "/", strings.NewReader("bin"))
	req.Header.Set("Content-Type", "application/octet-stream")
	body, err = Parse(req, limits)
	require.NoError(t, err)
	assert.Equal(t, "octet", body.Kind)
	body.Cleanup()

	req = httptest.NewRequest("POST", "/", strings.NewReader("???"))
	req.Header.Set("Content-Type", "video/mp4")
	_, err = Parse(req, limits)
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestCleanupRemovesTempFiles(t *testing.T) {
	limits := testLimits(t)
	body, err := parseOctet(strings.NewReader("payload"), limits)
	require.NoError(t, err)
	require.Len(t, tempFiles(t, limits.TempDir), 1)

	body.Cleanup()
	assert.Empty(t, tempFiles(t, limits.TempDir))
}

func TestTempNameShape(t *testing.T) {
	name := filepath.Base(tempName(t.TempDir()))
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-z]{8}\.tmp$`), name)
}
