package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sogou_spider/internal/article"
	"sogou_spider/internal/config"
	"sogou_spider/internal/db"
	"sogou_spider/internal/logger"
	"sogou_spider/internal/models"
	"sogou_spider/internal/search"
	"sogou_spider/internal/session"
	"sogou_spider/internal/transport"
)

const loginButtonSelector = "#top_login"

// SpiderApp wires the configured components together.
type SpiderApp struct {
	config   *config.SpiderConfig
	store    db.Store
	provider *session.FileProvider
	sessions *session.Coordinator
	client   *transport.Client
	crawler  *Crawler
}

func NewSpiderApp(ctx context.Context, cfg *config.SpiderConfig) (*SpiderApp, error) {
	store, err := db.Open(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}

	var login session.Login
	if cfg.Session.BrowserLogin {
		login = &session.BrowserLogin{
			PortalURL:     cfg.Portal.BaseURL,
			UserAgent:     cfg.Logic.UserAgent,
			Headless:      cfg.Session.Headless,
			Timeout:       cfg.Session.LoginTimeout(),
			LoginSelector: loginButtonSelector,
			CookieMarkers: cfg.Session.LoginCookies,
		}
	}
	provider := session.NewFileProvider(cfg.Session.CookieFile, login, cfg.Session.ValidFor())
	sessions := session.NewCoordinator(provider)

	client, err := transport.New(transport.OptionsFromConfig(cfg), sessions)
	if err != nil {
		store.Close()
		return nil, err
	}

	crawler := NewCrawler(
		search.NewResolver(client, cfg.Portal),
		article.NewResolver(client, cfg.Portal.BaseURL),
		store,
		Options{
			Workers:            cfg.Logic.MaxConcurrentWorkers,
			KeywordConcurrency: cfg.Logic.KeywordConcurrency,
			FetchContent:       cfg.Logic.FetchContent,
			PageDelay:          cfg.Logic.PageDelay(),
		},
	)

	return &SpiderApp{
		config:   cfg,
		store:    store,
		provider: provider,
		sessions: sessions,
		client:   client,
		crawler:  crawler,
	}, nil
}

// Login forces a fresh interactive login and persists the session.
func (s *SpiderApp) Login(ctx context.Context) error {
	_, gen, err := s.sessions.Current(ctx)
	if err != nil {
		return err
	}
	_, _, err = s.sessions.Renew(ctx, gen)
	return err
}

// Run crawls tasks until they finish, the session cannot be renewed, or the
// process receives SIGINT/SIGTERM.
func (s *SpiderApp) Run(ctx context.Context, tasks []models.KeywordTask) (*models.RunReport, error) {
	l := logger.WithComponent("app")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			l.Warn().Str("signal", sig.String()).Msg("interrupt received, finishing in-flight articles")
			cancel()
		case <-ctx.Done():
		}
	}()

	l.Info().
		Str("db_driver", s.config.DB.Driver).
		Int("min_delay_ms", s.config.Logic.MinDelayMS).
		Int("max_delay_ms", s.config.Logic.MaxDelayMS).
		Int("proxies", len(s.config.Proxies)).
		Msg("starting spider")

	report, runErr := s.crawler.Run(ctx, tasks)

	if recorder, ok := s.store.(db.RunRecorder); ok {
		if err := recorder.SaveRun(context.WithoutCancel(ctx), report); err != nil {
			l.Error().Err(err).Msg("failed to save run report")
		}
	}

	stats := s.client.Stats()
	l.Info().
		Int64("requests", stats.Requests).
		Int64("ok", stats.OK).
		Int64("blocked", stats.Blocked).
		Int64("expired", stats.Expired).
		Int64("network_failures", stats.NetworkFailures).
		Int64("renewals", stats.Renewals).
		Msg("transport stats")

	return report, runErr
}

// StoreStats summarizes the store for -stats.
type StoreStats struct {
	Articles int                       `json:"articles"`
	Keywords map[string]db.KeywordStat `json:"keywords"`
	LastRun  *models.RunReport         `json:"last_run,omitempty"`
}

// Stats returns stored counts and the last recorded run when the backend
// supports them.
func (s *SpiderApp) Stats(ctx context.Context) (*StoreStats, error) {
	reporter, ok := s.store.(db.StatsReporter)
	if !ok {
		return nil, fmt.Errorf("db driver %q has no stats", s.config.DB.Driver)
	}

	var (
		stats StoreStats
		err   error
	)
	if stats.Articles, err = reporter.Count(ctx); err != nil {
		return nil, err
	}
	if stats.Keywords, err = reporter.KeywordStats(ctx); err != nil {
		return nil, err
	}
	if recorder, ok := s.store.(db.RunRecorder); ok {
		if stats.LastRun, err = recorder.LastRun(ctx); err != nil {
			return nil, err
		}
	}
	return &stats, nil
}

// Logout drops the persisted session.
func (s *SpiderApp) Logout() error {
	return s.provider.Clear()
}

func (s *SpiderApp) Close() error {
	return s.store.Close()
}
