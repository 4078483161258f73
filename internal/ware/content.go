package ware

import (
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/crofthost/croft/internal/cache"
	"github.com/crofthost/croft/internal/pipeline"
)

const defaultIndex = "index.html"

// ContentOptions configures one content middleware instance.
type ContentOptions struct {
	Root         string
	Auth         string // "", "getAuth", "postAuth"
	CacheControl string
	Compress     []string // extension override; empty defers to the cache
	Index        string
	Indexing     bool
}

// Content serves files under a root directory with conditional GET,
// gzip negotiation and cached fingerprints, and accepts multipart
// uploads on POST. Misses and symlinks fall through to the next route.
func Content(scope *Scope, opts ContentOptions) pipeline.Middleware {
	if opts.Index == "" {
		opts.Index = defaultIndex
	}
	var compress map[string]bool
	if len(opts.Compress) > 0 {
		compress = make(map[string]bool, len(opts.Compress))
		for _, ext := range opts.Compress {
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			compress[strings.ToLower(ext)] = true
		}
	}
	w := &contentWare{scope: scope, opts: opts, compress: compress}

	return func(c *pipeline.Context) error {
		switch c.Method {
		case "get", "head":
			if opts.Auth == "getAuth" && !c.Authenticated() {
				return pipeline.Unauthorized("")
			}
			return w.get(c)
		case "post":
			if opts.Auth == "postAuth" && !c.Authenticated() {
				return pipeline.Unauthorized("")
			}
			return w.post(c)
		}
		return c.Next()
	}
}

type contentWare struct {
	scope    *Scope
	opts     ContentOptions
	compress map[string]bool
}

func (w *contentWare) compressible(p string) bool {
	if w.compress != nil {
		return w.compress[strings.ToLower(filepath.Ext(p))]
	}
	return w.scope.Cache.Compressible(p)
}

// resolve maps the request path onto an absolute path under root, or
// fails on traversal past root.
func (w *contentWare) resolve(c *pipeline.Context) (string, error) {
	rel, ok := c.Params["splat"]
	if !ok {
		rel = strings.TrimPrefix(c.URL.Pathname, "/")
	}
	root, err := filepath.Abs(w.opts.Root)
	if err != nil {
		return "", err
	}
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root")
	}
	return abs, nil
}

func (w *contentWare) get(c *pipeline.Context) error {
	abs, err := w.resolve(c)
	if err != nil {
		return pipeline.Forbidden("")
	}

	info, err := os.Lstat(abs)
	if err != nil {
		return c.Next()
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return c.Next()
	}
	if info.IsDir() {
		index := filepath.Join(abs, w.opts.Index)
		if fi, err := os.Stat(index); err == nil && !fi.IsDir() {
			abs, info = index, fi
		} else if w.opts.Indexing {
			return w.listing(c, abs)
		} else {
			return pipeline.Forbidden("directory listing disabled")
		}
	}

	mtype := mime.TypeByExtension(filepath.Ext(abs))
	if mtype == "" {
		mtype = "application/octet-stream"
	}
	entry, err := w.scope.Cache.Lookup(abs, c.URL.Pathname, mtype)
	if err != nil {
		w.scope.Log.Warn("content lookup", zap.String("path", abs), zap.Error(err))
		return c.Next()
	}

	if notModified(c, entry) {
		c.Response = &pipeline.Response{
			Status: http.StatusNotModified,
			Header: http.Header{"Etag": {entry.EtagStrong()}},
		}
		return nil
	}

	gz := w.compressible(abs) &&
		strings.Contains(c.R.Header.Get("Accept-Encoding"), "gzip")

	header := http.Header{}
	header.Set("Content-Type", entry.Mime)
	header.Set("Last-Modified", entry.MTime.UTC().Format(http.TimeFormat))
	cc := w.opts.CacheControl
	if cc == "" {
		cc = "public, max-age=300"
	}
	header.Set("Cache-Control", cc)

	if entry.Buffered() {
		body := entry.Raw
		etag := entry.EtagStrong()
		if gz && entry.Gzip != nil {
			body = entry.Gzip
			etag = entry.EtagGzip()
			header.Set("Content-Encoding", "gzip")
		}
		header.Set("Etag", etag)
		header.Set("Content-Length", strconv.Itoa(len(body)))
		c.Response = &pipeline.Response{Status: http.StatusOK, Header: header, Body: body}
		return nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return pipeline.Internal(fmt.Errorf("open %s: %w", abs, err))
	}
	if gz {
		header.Set("Etag", entry.EtagGzip())
		header.Set("Content-Encoding", "gzip")
		pr, pw := io.Pipe()
		go func() {
			_, err := cache.GzipTo(pw, f)
			f.Close()
			pw.CloseWithError(err)
		}()
		c.Response = &pipeline.Response{Status: http.StatusOK, Header: header, Reader: pr}
		return nil
	}
	header.Set("Etag", entry.EtagStrong())
	header.Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	c.Response = &pipeline.Response{Status: http.StatusOK, Header: header, Reader: f}
	return nil
}

// notModified applies If-None-Match then If-Modified-Since.
func notModified(c *pipeline.Context, entry *cache.Entry) bool {
	if inm := c.R.Header.Get("If-None-Match"); inm != "" {
		return entry.MatchEtag(inm)
	}
	if ims := c.R.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			return !entry.MTime.Truncate(1e9).After(t)
		}
	}
	return false
}

// listing renders a plain HTML directory index.
func (w *contentWare) listing(c *pipeline.Context, dir string) error {
	names, err := os.ReadDir(dir)
	if err != nil {
		return pipeline.Internal(fmt.Errorf("read dir %s: %w", dir, err))
	}
	sort.Slice(names, func(i, j int) bool { return names[i].Name() < names[j].Name() })

	base := strings.TrimSuffix(c.URL.Pathname, "/")
	var b strings.Builder
	fmt.Fprintf(&b, "<!DOCTYPE html><html><head><title>%s</title></head><body><ul>\n",
		html.EscapeString(c.URL.Pathname))
	for _, e := range names {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		suffix := ""
		if e.IsDir() {
			suffix = "/"
		}
		fmt.Fprintf(&b, `<li><a href="%s/%s%s">%s%s</a></li>`+"\n",
			base, html.EscapeString(name), suffix, html.EscapeString(name), suffix)
	}
	b.WriteString("</ul></body></html>\n")

	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	c.Response = &pipeline.Response{
		Status: http.StatusOK,
		Header: header,
		Body:   []byte(b.String()),
	}
	return nil
}

// post writes uploaded files under root/pathname/folder. An existing
// file is skipped unless force is set or a backup name is given; backup
// copies the current file to that sibling name first.
func (w *contentWare) post(c *pipeline.Context) error {
	if c.Body == nil || len(c.Body.Files) == 0 {
		return pipeline.BadRequest("upload body required")
	}
	abs, err := w.resolve(c)
	if err != nil {
		return pipeline.Forbidden("")
	}

	fields, _ := c.Body.Data.(map[string]any)
	folder, _ := fields["folder"].(string)
	force := truthy(fields["force"])
	backup, _ := fields["backup"].(string)

	dir := abs
	if folder != "" {
		clean := path.Clean("/" + folder)
		dir = filepath.Join(abs, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pipeline.Internal(fmt.Errorf("mkdir %s: %w", dir, err))
	}

	report := make([]map[string]any, 0, len(c.Body.Files))
	for _, file := range c.Body.Files {
		name := filepath.Base(filepath.FromSlash(file.Filename))
		dest := filepath.Join(dir, name)
		item := map[string]any{"filename": name, "size": file.Size}

		if _, err := os.Lstat(dest); err == nil {
			switch {
			case backup != "":
				if err := copyFile(dest, filepath.Join(dir, filepath.Base(backup))); err != nil {
					item["status"] = "failed"
					report = append(report, item)
					continue
				}
			case !force:
				item["status"] = "skipped"
				report = append(report, item)
				continue
			}
		}

		if err := moveFile(file.TempFile, dest); err != nil {
			w.scope.Log.Warn("upload write", zap.String("dest", dest), zap.Error(err))
			item["status"] = "failed"
		} else {
			item["status"] = "written"
			w.scope.Cache.Delete(dest)
		}
		report = append(report, item)
	}
	c.Payload = report
	return nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x == "true" || x == "1" || x == "on"
	}
	return false
}

// moveFile renames, falling back to copy+remove across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
