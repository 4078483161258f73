// Package proxy is the front end: one listener per configured port,
// plain or TLS-terminating, routing by Host header onto the site
// backends. Unknown hosts are counted and dropped without a response.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crofthost/croft/internal/config"
	"github.com/crofthost/croft/internal/site"
	"github.com/crofthost/croft/internal/stats"
)

// Proxy is one front-end listener.
type Proxy struct {
	cfg   config.Proxy
	log   *zap.Logger
	stats *stats.Registry

	exact    map[string]int // hostname -> backend port
	wild     map[string]int // suffix (without "*.") -> backend port
	bundle   *certBundle
	forward  *httputil.ReverseProxy
	upstream *http.Transport
}

// New builds a proxy routing to the listed sites. Every site host and
// alias registers; a "*.suffix" alias registers as a wildcard.
func New(cfg config.Proxy, apps map[string]*site.App, log *zap.Logger, reg *stats.Registry) (*Proxy, error) {
	p := &Proxy{
		cfg:   cfg,
		log:   log.With(zap.Int("proxy", cfg.Port)),
		stats: reg,
		exact: map[string]int{},
		wild:  map[string]int{},
		upstream: &http.Transport{
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	for _, name := range cfg.Sites {
		app, ok := apps[name]
		if !ok {
			return nil, fmt.Errorf("proxy %d: unknown site %q", cfg.Port, name)
		}
		for _, host := range app.Hosts() {
			host = strings.ToLower(host)
			if suffix, ok := strings.CutPrefix(host, "*."); ok {
				p.wild[suffix] = app.Port()
			} else {
				p.exact[host] = app.Port()
			}
		}
	}
	if cfg.TLS != nil {
		bundle, err := newCertBundle(cfg.TLS.Cert, cfg.TLS.Key, p.log)
		if err != nil {
			return nil, fmt.Errorf("proxy %d: %w", cfg.Port, err)
		}
		p.bundle = bundle
	}
	p.forward = &httputil.ReverseProxy{
		Director:     p.direct,
		Transport:    p.upstream,
		ErrorHandler: p.upstreamError,
	}
	return p, nil
}

// lookup routes a request host: exact first, then one-label-less
// wildcard.
func (p *Proxy) lookup(host string) (int, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if port, ok := p.exact[host]; ok {
		return port, true
	}
	if _, suffix, ok := strings.Cut(host, "."); ok {
		if port, ok := p.wild[suffix]; ok {
			return port, true
		}
	}
	return 0, false
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	port, ok := p.lookup(r.Host)
	if !ok {
		p.miss(r)
		// Close without an HTTP response; probes get nothing back.
		panic(http.ErrAbortHandler)
	}
	p.stats.Served()

	r.Header.Set("X-Forwarded-Host", r.Host)
	if r.TLS != nil {
		r.Header.Set("X-Forwarded-Proto", "https")
	} else {
		r.Header.Set("X-Forwarded-Proto", "http")
	}

	if isUpgrade(r) {
		// The reverse proxy appends X-Forwarded-For itself on the
		// plain path; the tunnel writes the request verbatim.
		r.Header.Set("X-Forwarded-For", clientIP(r))
		p.tunnel(w, r, port)
		return
	}
	r.URL.Scheme = "http"
	r.URL.Host = backendAddr(port)
	p.forward.ServeHTTP(w, r)
}

// direct is a no-op Director: scheme and host are set on the URL before
// the reverse proxy runs, and X-Forwarded-For is added by the proxy
// itself.
func (p *Proxy) direct(r *http.Request) {}

func backendAddr(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// miss counts a request for an unmapped host. Private and loopback
// clients stay out of the blacklist unless verbose is on.
func (p *Proxy) miss(r *http.Request) {
	ip := clientIP(r)
	if !p.cfg.Verbose && privateIP(ip) {
		return
	}
	p.stats.Probe()
	p.stats.Blacklist(ip)
	p.log.Warn("unmapped host",
		zap.String("host", r.Host),
		zap.String("ip", ip),
		zap.String("path", r.URL.Path),
	)
}

func clientIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func privateIP(raw string) bool {
	ip := net.ParseIP(raw)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

func (p *Proxy) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	p.stats.Error()
	p.log.Error("upstream failed",
		zap.String("host", r.Host), zap.Error(err))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(`{"error":true,"code":500,"msg":"upstream unavailable","detail":""}`))
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// tunnel hijacks an Upgrade request and copies both directions until
// either side closes.
func (p *Proxy) tunnel(w http.ResponseWriter, r *http.Request, port int) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		p.upstreamError(w, r, fmt.Errorf("hijack unsupported"))
		return
	}
	back, err := net.DialTimeout("tcp", backendAddr(port), 10*time.Second)
	if err != nil {
		p.upstreamError(w, r, err)
		return
	}
	client, buffered, err := hj.Hijack()
	if err != nil {
		back.Close()
		p.log.Error("hijack failed", zap.Error(err))
		return
	}

	if err := r.Write(back); err != nil {
		client.Close()
		back.Close()
		return
	}
	go func() {
		defer client.Close()
		defer back.Close()
		_, _ = buffered.WriteTo(back)
		pipe(back, client)
	}()
	go func() {
		defer client.Close()
		defer back.Close()
		pipe(client, back)
	}()
}

func pipe(dst net.Conn, src net.Conn) {
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Serve runs the listener until the context is cancelled.
func (p *Proxy) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", p.cfg.Port),
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	if p.bundle != nil {
		srv.TLSConfig = &tls.Config{
			GetCertificate: p.bundle.getCertificate,
			MinVersion:     tls.VersionTLS12,
		}
		go func() { errCh <- srv.ListenAndServeTLS("", "") }()
		p.log.Info("proxy listening", zap.String("scheme", "https"))
	} else {
		go func() { errCh <- srv.ListenAndServe() }()
		p.log.Info("proxy listening", zap.String("scheme", "http"))
	}

	select {
	case <-ctx.Done():
		if p.bundle != nil {
			p.bundle.close()
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if p.bundle != nil {
			p.bundle.close()
		}
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
