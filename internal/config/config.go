// Package config loads the runtime configuration tree: proxies, sites,
// shared databases and the mail/sms/token collaborator settings.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "croft.yml"
	defaultEnv        = "production"
)

// Config is the whole tree.
type Config struct {
	Env       string            `yaml:"env"` // "development" | "production"
	Temp      string            `yaml:"temp"`
	Token     Token             `yaml:"token"`
	Mail      Mail              `yaml:"mail"`
	SMS       SMS               `yaml:"sms"`
	Limits    Limits            `yaml:"limits"`
	Databases map[string]string `yaml:"databases"` // shared: name -> file path
	Headers   map[string]string `yaml:"headers"`   // shared default response headers
	Sites     []Site            `yaml:"sites"`
	Proxies   []Proxy           `yaml:"proxies"`
}

// Token configures the credential service.
type Token struct {
	Secret    string `yaml:"secret"`
	ExpSec    int64  `yaml:"exp_sec"`
	Renewable bool   `yaml:"renewable"`
	Cost      int    `yaml:"cost"`
}

// Mail holds SendGrid credentials.
type Mail struct {
	Key  string `yaml:"key"`
	From string `yaml:"from"`
}

// SMS holds Twilio credentials.
type SMS struct {
	SID      string `yaml:"sid"`
	Token    string `yaml:"token"`
	From     string `yaml:"from"`
	Callback string `yaml:"callback"` // number texted on undelivered status
}

// Limits are the body-parser ceilings, in bytes.
type Limits struct {
	RequestMax int64 `yaml:"request_max"`
	UploadMax  int64 `yaml:"upload_max"`
}

// Site describes one hosted backend.
type Site struct {
	Name      string            `yaml:"name"`
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	Aliases   []string          `yaml:"aliases"`
	Root      string            `yaml:"root"` // default content root; empty disables
	Databases map[string]string `yaml:"databases"`
	Headers   map[string]string `yaml:"headers"`
	Auth      bool              `yaml:"auth"` // mount login + account routes
	Users     string            `yaml:"users"`
	CORS      *CORS             `yaml:"cors"`
	Rewrites  []Rewrite         `yaml:"rewrites"`
	Redirect  *Rewrite          `yaml:"redirect"` // 404 -> 301 rewrite
	Handlers  []Handler         `yaml:"handlers"`
	CacheMax  int64             `yaml:"cache_max"`
	CacheCap  int               `yaml:"cache_cap"`
}

// CORS mirrors the cors middleware options.
type CORS struct {
	Origins     []string `yaml:"origins"`
	Headers     []string `yaml:"headers"`
	Methods     []string `yaml:"methods"`
	Credentials bool     `yaml:"credentials"`
}

// Rewrite is a pattern/replace pair; pattern is a Go regexp.
type Rewrite struct {
	Pattern string `yaml:"pattern"`
	Replace string `yaml:"replace"`
}

// Handler binds one middleware code into a site's route table.
type Handler struct {
	Code     string `yaml:"code"` // "content", "api", or a registered custom code
	Method   string `yaml:"method"`
	Pattern  string `yaml:"pattern"`
	Database string `yaml:"database"` // api: store name
	Root     string `yaml:"root"`     // content
	Auth     string `yaml:"auth"`     // content: "", "getAuth", "postAuth"
	Cache    string `yaml:"cache"`    // content: Cache-Control header value
	Compress []string `yaml:"compress"`
	Index    string `yaml:"index"`
	Indexing bool   `yaml:"indexing"` // directory listings
}

// Proxy describes one front-end listener pair.
type Proxy struct {
	Port    int      `yaml:"port"`
	TLS     *TLS     `yaml:"tls"`
	Sites   []string `yaml:"sites"` // site names routed by this proxy
	Verbose bool     `yaml:"verbose"`
}

// TLS points at the certificate bundle on disk.
type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultConfigPath
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg := Config{Env: defaultEnv, Temp: os.TempDir()}
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	if err := cfg.validate(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate(path string) error {
	if len(c.Sites) == 0 {
		return fmt.Errorf("%q: at least one site is required", path)
	}
	names := map[string]bool{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			site.Name = site.Host
		}
		if site.Host == "" {
			return fmt.Errorf("%q: site %d has no host", path, i)
		}
		if site.Port < 1 || site.Port > 65535 {
			return fmt.Errorf("%q: site %q: invalid port %d, expected 1-65535", path, site.Name, site.Port)
		}
		if names[site.Name] {
			return fmt.Errorf("%q: duplicate site name %q", path, site.Name)
		}
		names[site.Name] = true
		if site.Users == "" {
			site.Users = "users"
		}
		for _, h := range site.Handlers {
			if h.Code == "" {
				return fmt.Errorf("%q: site %q: handler without code", path, site.Name)
			}
		}
	}
	for i, proxy := range c.Proxies {
		if proxy.Port < 1 || proxy.Port > 65535 {
			return fmt.Errorf("%q: proxy %d: invalid port %d, expected 1-65535", path, i, proxy.Port)
		}
		if proxy.TLS != nil && (proxy.TLS.Cert == "" || proxy.TLS.Key == "") {
			return fmt.Errorf("%q: proxy %d: tls requires both cert and key", path, i)
		}
		for _, name := range proxy.Sites {
			if !names[name] {
				return fmt.Errorf("%q: proxy %d routes unknown site %q", path, i, name)
			}
		}
	}
	return nil
}

// IsDev reports development mode.
func (c *Config) IsDev() bool { return strings.EqualFold(c.Env, "development") }

// SiteByName resolves a site entry.
func (c *Config) SiteByName(name string) *Site {
	for i := range c.Sites {
		if c.Sites[i].Name == name {
			return &c.Sites[i]
		}
	}
	return nil
}
