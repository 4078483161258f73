package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crofthost/croft/internal/config"
	"github.com/crofthost/croft/internal/site"
	"github.com/crofthost/croft/internal/stats"
)

func TestLookupExactBeforeWildcard(t *testing.T) {
	p := &Proxy{
		exact: map[string]int{"a.example.net": 8081, "b.example.net": 8082},
		wild:  map[string]int{"a.example.net": 8090},
	}

	port, ok := p.lookup("a.example.net")
	require.True(t, ok)
	assert.Equal(t, 8081, port) // exact wins over the wildcard

	port, ok = p.lookup("www.a.example.net")
	require.True(t, ok)
	assert.Equal(t, 8090, port)

	// Only one label is stripped for the wildcard match.
	_, ok = p.lookup("x.y.a.example.net")
	assert.False(t, ok)

	// The port and case are normalized away.
	port, ok = p.lookup("B.Example.Net:443")
	require.True(t, ok)
	assert.Equal(t, 8082, port)

	_, ok = p.lookup("unknown.example.org")
	assert.False(t, ok)
}

// backendSite starts a real HTTP backend and wraps it in a site App so
// the proxy routes to its port.
func backendSite(t *testing.T, name, host string, handler http.HandlerFunc) map[string]*site.App {
	t.Helper()
	backend := httptest.NewServer(handler)
	t.Cleanup(backend.Close)
	_, portStr, err := net.SplitHostPort(backend.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	shared := &site.Shared{Log: zap.NewNop(), Stats: stats.NewRegistry()}
	app, err := site.New(config.Site{Name: name, Host: host, Port: port}, shared)
	require.NoError(t, err)
	return map[string]*site.App{name: app}
}

func TestForwardingSetsProxyHeaders(t *testing.T) {
	apps := backendSite(t, "a", "a.example.net", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"host":  r.Header.Get("X-Forwarded-Host"),
			"proto": r.Header.Get("X-Forwarded-Proto"),
			"for":   r.Header.Get("X-Forwarded-For"),
			"path":  r.URL.Path,
		})
	})
	reg := stats.NewRegistry()
	p, err := New(config.Proxy{Port: 8080, Sites: []string{"a"}}, apps, zap.NewNop(), reg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://a.example.net/echo", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "a.example.net", body["host"])
	assert.Equal(t, "http", body["proto"])
	assert.Contains(t, body["for"], "192.0.2.1")
	assert.Equal(t, "/echo", body["path"])
	assert.Equal(t, int64(1), reg.Statistics()["served"])
}

func TestUnknownHostAbortsWithoutResponse(t *testing.T) {
	apps := backendSite(t, "a", "a.example.net", func(w http.ResponseWriter, r *http.Request) {})
	reg := stats.NewRegistry()
	p, err := New(config.Proxy{Port: 8080, Sites: []string{"a"}}, apps, zap.NewNop(), reg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://scanner.example.org/wp-admin", nil)
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		p.ServeHTTP(httptest.NewRecorder(), req)
	})

	// 192.0.2.1 is public, so the probe is counted and blacklisted.
	assert.Equal(t, int64(1), reg.Statistics()["probes"])
	assert.Equal(t, int64(1), reg.Blacklisted()["192.0.2.1"])
	assert.Equal(t, int64(0), reg.Statistics()["served"])
}

func TestPrivateClientsStayOffBlacklist(t *testing.T) {
	apps := backendSite(t, "a", "a.example.net", func(w http.ResponseWriter, r *http.Request) {})
	reg := stats.NewRegistry()
	p, err := New(config.Proxy{Port: 8080, Sites: []string{"a"}}, apps, zap.NewNop(), reg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://unknown.example.org/", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		p.ServeHTTP(httptest.NewRecorder(), req)
	})
	assert.Equal(t, int64(0), reg.Statistics()["probes"])
	assert.Empty(t, reg.Blacklisted())

	// Verbose counts everyone.
	pv, err := New(config.Proxy{Port: 8081, Sites: []string{"a"}, Verbose: true}, apps, zap.NewNop(), reg)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "http://unknown.example.org/", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		pv.ServeHTTP(httptest.NewRecorder(), req)
	})
	assert.Equal(t, int64(1), reg.Statistics()["probes"])
	assert.Equal(t, int64(1), reg.Blacklisted()["127.0.0.1"])
}

func TestUpstreamFailureEnvelope(t *testing.T) {
	// Reserve a port and close it so the dial fails fast.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	shared := &site.Shared{Log: zap.NewNop(), Stats: stats.NewRegistry()}
	app, err := site.New(config.Site{Name: "a", Host: "a.example.net", Port: port}, shared)
	require.NoError(t, err)

	reg := stats.NewRegistry()
	p, err := New(config.Proxy{Port: 8080, Sites: []string{"a"}},
		map[string]*site.App{"a": app}, zap.NewNop(), reg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://a.example.net/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["error"])
	assert.Equal(t, "upstream unavailable", body["msg"])
	assert.Equal(t, int64(1), reg.Statistics()["errors"])
}

func TestProxyRejectsUnknownSite(t *testing.T) {
	_, err := New(config.Proxy{Port: 8080, Sites: []string{"ghost"}},
		map[string]*site.App{}, zap.NewNop(), stats.NewRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

// writeCertPair writes a fresh self-signed certificate for localhost.
func writeCertPair(t *testing.T, dir, cn string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{cn},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDer, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "bundle.crt")
	keyPath = filepath.Join(dir, "bundle.key")
	require.NoError(t, os.WriteFile(certPath,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(keyPath,
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer}), 0o600))
	return certPath, keyPath
}

func TestCertBundleServesAndReloads(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeCertPair(t, dir, "first.example.net")

	b, err := newCertBundle(certPath, keyPath, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(b.close)

	cert, err := b.getCertificate(nil)
	require.NoError(t, err)
	require.NotNil(t, cert)
	first := cert.Certificate[0]

	// Swap the files and force a reload with a moved mtime.
	writeCertPair(t, dir, "second.example.net")
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(certPath, future, future))
	b.reload()

	cert, err = b.getCertificate(nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, cert.Certificate[0])

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "second.example.net", leaf.Subject.CommonName)
}

func TestCertBundleSkipsUnchangedMtime(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeCertPair(t, dir, "stable.example.net")

	b, err := newCertBundle(certPath, keyPath, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(b.close)

	before := b.cell.Load()
	b.reload() // mtime unchanged, nothing swaps
	assert.Same(t, before, b.cell.Load())
}

func TestCertBundleRequiresValidPair(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "bad.crt")
	keyPath := filepath.Join(dir, "bad.key")
	require.NoError(t, os.WriteFile(certPath, []byte("not a cert"), 0o644))
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0o600))

	_, err := newCertBundle(certPath, keyPath, zap.NewNop())
	require.Error(t, err)
}
