// Package bodyparse turns request bodies into structured data without
// ever holding a file payload in memory: embedded uploads stream to
// temp files while the surrounding structure is accumulated and parsed.
// Parsers enforce the request and upload ceilings and unlink their own
// partial temp files on failure; successfully parsed temp files belong
// to the request and are cleaned up by the pipeline.
package bodyparse

import (
	"crypto/rand"
	"errors"
	"math/big"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Parse failure kinds, mapped to HTTP statuses by the pipeline funnel.
var (
	ErrTooLarge       = errors.New("payload too large")
	ErrMalformed      = errors.New("malformed request body")
	ErrNotImplemented = errors.New("unsupported content type")
)

// Limits are the hard ceilings for one request.
type Limits struct {
	RequestMax int64 // total in-memory body ceiling
	UploadMax  int64 // per-file ceiling
	TempDir    string
}

const (
	DefaultRequestMax = 1 << 20   // 1 MiB of structure
	DefaultUploadMax  = 100 << 20 // 100 MiB per file
)

func (l Limits) requestMax() int64 {
	if l.RequestMax > 0 {
		return l.RequestMax
	}
	return DefaultRequestMax
}

func (l Limits) uploadMax() int64 {
	if l.UploadMax > 0 {
		return l.UploadMax
	}
	return DefaultUploadMax
}

func (l Limits) tempDir() string {
	if l.TempDir != "" {
		return l.TempDir
	}
	return os.TempDir()
}

// File describes one upload streamed to disk.
type File struct {
	Field    string `json:"field,omitempty"`
	Filename string `json:"filename,omitempty"`
	Mime     string `json:"mime,omitempty"`
	TempFile string `json:"tempFile"`
	Size     int64  `json:"size"`
}

// Body is the parsed request body.
type Body struct {
	Kind  string // "json", "form", "urlencoded", "text", "octet"
	Data  any    // decoded JSON value or field map
	Text  string
	Files []File
}

// Cleanup removes temp files that still exist. Handlers that keep a
// file move it first; everything left behind goes.
func (b *Body) Cleanup() {
	if b == nil {
		return
	}
	for _, f := range b.Files {
		if f.TempFile != "" {
			_ = os.Remove(f.TempFile)
		}
	}
}

// Parse dispatches on the request content type.
func Parse(r *http.Request, limits Limits) (*Body, error) {
	ct := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		if strings.TrimSpace(ct) == "" {
			mediaType = "text/plain"
		} else {
			return nil, ErrMalformed
		}
	}
	switch {
	case mediaType == "application/json":
		return parseJSON(r.Body, limits)
	case mediaType == "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, ErrMalformed
		}
		return parseMultipart(r.Body, boundary, limits)
	case mediaType == "application/x-www-form-urlencoded":
		return parseURLEncoded(r.Body, limits)
	case strings.HasPrefix(mediaType, "text/"):
		return parseText(r.Body, limits)
	case mediaType == "application/octet-stream":
		return parseOctet(r.Body, limits)
	default:
		return nil, ErrNotImplemented
	}
}

const nameAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// tempName produces a random 8-char base-36 name with a .tmp suffix.
func tempName(dir string) string {
	buf := make([]byte, 8)
	max := big.NewInt(int64(len(nameAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the process is in trouble anyway
			n = big.NewInt(int64(i * 7 % 36))
		}
		buf[i] = nameAlphabet[n.Int64()]
	}
	return filepath.Join(dir, string(buf)+".tmp")
}

// createTemp opens a fresh temp file under the configured directory.
func createTemp(limits Limits) (*os.File, error) {
	dir := limits.tempDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	for i := 0; i < 5; i++ {
		f, err := os.OpenFile(tempName(dir), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
	}
	return nil, errors.New("bodyparse: temp name space exhausted")
}
