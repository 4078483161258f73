package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crofthost/croft/internal/bodyparse"
	"github.com/crofthost/croft/internal/config"
	"github.com/crofthost/croft/internal/pkg/mail"
	"github.com/crofthost/croft/internal/pkg/proctitle"
	"github.com/crofthost/croft/internal/pkg/scribe"
	"github.com/crofthost/croft/internal/pkg/sms"
	"github.com/crofthost/croft/internal/pkg/token"
	"github.com/crofthost/croft/internal/proxy"
	"github.com/crofthost/croft/internal/site"
	"github.com/crofthost/croft/internal/stats"
	"github.com/crofthost/croft/internal/store"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("failed to load config", zap.Error(err))
	}

	var logger *zap.Logger
	if cfg.IsDev() {
		logger, err = scribe.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	scribe.Init(logger)
	defer scribe.Sync()
	if err := proctitle.Set("croft"); err != nil {
		logger.Debug("process title not set", zap.Error(err))
	}

	shared := &site.Shared{
		Log:     logger,
		Headers: cfg.Headers,
		Limits: bodyparse.Limits{
			RequestMax: cfg.Limits.RequestMax,
			UploadMax:  cfg.Limits.UploadMax,
			TempDir:    cfg.Temp,
		},
		Tokens: token.NewService(token.Options{
			Secret:    cfg.Token.Secret,
			Cost:      cfg.Token.Cost,
			ExpSec:    cfg.Token.ExpSec,
			Renewable: cfg.Token.Renewable,
		}),
		Mail:   mail.New(mail.Config{Key: cfg.Mail.Key, From: cfg.Mail.From}),
		SMS:    sms.New(sms.Config{SID: cfg.SMS.SID, Token: cfg.SMS.Token, From: cfg.SMS.From, Callback: cfg.SMS.Callback}),
		Stats:  stats.NewRegistry(),
		Stores: map[string]*store.Store{},
	}
	defer shared.CloseStores()

	for name, path := range cfg.Databases {
		st, err := shared.Open(path)
		if err != nil {
			logger.Fatal("shared database unavailable",
				zap.String("name", name), zap.String("path", path), zap.Error(err))
		}
		shared.Stores[name] = st
	}

	// A broken site is skipped; the rest of the process keeps serving.
	apps := map[string]*site.App{}
	for _, sc := range cfg.Sites {
		app, err := site.New(sc, shared)
		if err != nil {
			logger.Error("site skipped", zap.String("site", sc.Name), zap.Error(err))
			continue
		}
		apps[app.Name] = app
	}
	if len(apps) == 0 {
		logger.Fatal("no site could be started")
	}

	proxies := make([]*proxy.Proxy, 0, len(cfg.Proxies))
	for _, pc := range cfg.Proxies {
		p, err := proxy.New(pc, apps, logger, shared.Stats)
		if err != nil {
			logger.Fatal("proxy init failed", zap.Int("port", pc.Port), zap.Error(err))
		}
		proxies = append(proxies, p)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, app := range apps {
		g.Go(func() error { return app.Serve(ctx) })
	}
	for _, p := range proxies {
		g.Go(func() error { return p.Serve(ctx) })
	}

	logger.Info("serving", zap.Int("sites", len(apps)), zap.Int("proxies", len(proxies)))
	if err := g.Wait(); err != nil {
		logger.Error("listener failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
	logger.Info("server exited")
}
