// Package cache holds served file content keyed by absolute path. Each
// entry carries a fingerprint tag (HMAC of path+size+mtime) that doubles
// as the ETag, plus raw and gzip payloads when the file is small enough
// to buffer. Entries are immutable once published; a fingerprint change
// swaps in a fresh entry.
package cache

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// DefaultMax is the buffered-payload ceiling; larger files stream.
const DefaultMax = 4 << 20

var defaultCompressible = map[string]bool{
	".html": true, ".htm": true, ".css": true, ".js": true, ".mjs": true,
	".json": true, ".svg": true, ".txt": true, ".xml": true, ".md": true,
	".csv": true, ".ico": true,
}

// Entry is one cached file. Raw/Gzip present means buffered serving;
// absent means the file is streamed from disk on each request.
type Entry struct {
	Path    string // absolute file path, the cache key
	URLPath string
	Size    int64
	MTime   time.Time
	Mime    string
	Tag     string
	Raw     []byte
	Gzip    []byte
}

// Buffered reports whether the entry carries its payload in memory.
func (e *Entry) Buffered() bool { return e.Raw != nil }

// EtagStrong returns the quoted strong ETag for the identity encoding.
func (e *Entry) EtagStrong() string { return `"` + e.Tag + `"` }

// EtagWeak returns the weak form.
func (e *Entry) EtagWeak() string { return `W/"` + e.Tag + `"` }

// EtagGzip returns the strong ETag of the gzip variant.
func (e *Entry) EtagGzip() string { return `"` + e.Tag + `-gz"` }

// MatchEtag tests an If-None-Match header value against the entry. A
// match on either the identity or gzip tag is sufficient.
func (e *Entry) MatchEtag(header string) bool {
	if header == "" {
		return false
	}
	for _, cand := range strings.Split(header, ",") {
		cand = strings.TrimSpace(cand)
		cand = strings.TrimPrefix(cand, "W/")
		if cand == `"`+e.Tag+`"` || cand == `"`+e.Tag+`-gz"` || cand == "*" {
			return true
		}
	}
	return false
}

// Fresh reports whether the entry still describes the file.
func (e *Entry) Fresh(size int64, mtime time.Time) bool {
	return e.Size == size && e.MTime.Equal(mtime)
}

// Cache is a concurrent path→entry map with a per-entry payload ceiling
// and an optional global entry limit.
type Cache struct {
	secret       []byte
	max          int64
	limit        int
	compressible map[string]bool
	entries      sync.Map
	count        atomic.Int64
}

// Options configures a Cache. A zero Secret derives the tag HMAC from a
// fixed key, keeping tags equal across processes.
type Options struct {
	Secret       string
	Max          int64
	Limit        int
	Compressible []string
}

func New(opts Options) *Cache {
	secret := []byte(opts.Secret)
	if len(secret) == 0 {
		secret = []byte("croft-content-tag")
	}
	max := opts.Max
	if max <= 0 {
		max = DefaultMax
	}
	comp := defaultCompressible
	if len(opts.Compressible) > 0 {
		comp = make(map[string]bool, len(opts.Compressible))
		for _, ext := range opts.Compressible {
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			comp[strings.ToLower(ext)] = true
		}
	}
	return &Cache{secret: secret, max: max, limit: opts.Limit, compressible: comp}
}

// Tag computes the fingerprint for a path+size+mtime triple. Equal
// inputs give equal tags across processes sharing a secret.
func (c *Cache) Tag(path string, size int64, mtime time.Time) string {
	mac := hmac.New(sha256.New, c.secret)
	fmt.Fprintf(mac, "%s%d%d", path, size, mtime.UnixNano())
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// Compressible reports whether the extension is worth gzipping.
func (c *Cache) Compressible(path string) bool {
	return c.compressible[strings.ToLower(filepath.Ext(path))]
}

// Max returns the buffered-payload ceiling.
func (c *Cache) Max() int64 { return c.max }

// Get returns the entry for an absolute path, or nil.
func (c *Cache) Get(path string) *Entry {
	if v, ok := c.entries.Load(path); ok {
		return v.(*Entry)
	}
	return nil
}

// Put publishes an entry, honoring the global entry limit.
func (c *Cache) Put(e *Entry) {
	if e == nil || e.Path == "" {
		return
	}
	if _, loaded := c.entries.Load(e.Path); !loaded {
		if c.limit > 0 && c.count.Load() >= int64(c.limit) {
			return
		}
		c.count.Add(1)
	}
	c.entries.Store(e.Path, e)
}

// Delete evicts an entry.
func (c *Cache) Delete(path string) {
	if _, loaded := c.entries.LoadAndDelete(path); loaded {
		c.count.Add(-1)
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int { return int(c.count.Load()) }

// Build stats the file and produces a fresh entry. Files under the
// ceiling are read and pre-gzipped (when the extension qualifies);
// larger files get a metadata-only entry and are streamed per request.
func (c *Cache) Build(absPath, urlPath, mime string) (*Entry, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Path:    absPath,
		URLPath: urlPath,
		Size:    info.Size(),
		MTime:   info.ModTime(),
		Mime:    mime,
		Tag:     c.Tag(absPath, info.Size(), info.ModTime()),
	}
	if e.Size >= c.max {
		return e, nil
	}
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	e.Raw = raw
	if c.Compressible(absPath) {
		var buf bytes.Buffer
		zw, _ := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
		if _, err := zw.Write(raw); err == nil && zw.Close() == nil {
			e.Gzip = buf.Bytes()
		}
	}
	return e, nil
}

// Lookup returns a fresh entry for the file, rebuilding and republishing
// when the fingerprint moved.
func (c *Cache) Lookup(absPath, urlPath, mime string) (*Entry, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, err
	}
	if e := c.Get(absPath); e != nil && e.Fresh(info.Size(), info.ModTime()) {
		return e, nil
	}
	e, err := c.Build(absPath, urlPath, mime)
	if err != nil {
		return nil, err
	}
	c.Put(e)
	return e, nil
}

// GzipTo streams the file through a gzip writer, for entries too large
// to buffer when the client accepts gzip.
func GzipTo(dst io.Writer, src io.Reader) (int64, error) {
	zw, err := gzip.NewWriterLevel(dst, gzip.BestSpeed)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	return n, err
}
