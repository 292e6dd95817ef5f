package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"sogou_spider/internal/app"
	"sogou_spider/internal/config"
	"sogou_spider/internal/logger"
	"sogou_spider/internal/transport"
)

const (
	exitOK = iota
	exitError
	exitAuthRequired
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	keywordsPath := flag.String("keywords", "", "keyword file, one per line (overrides keywords_file)")
	pages := flag.Int("pages", 0, "result pages per keyword, 0 means until the last page (overrides target_pages)")
	content := flag.Bool("content", true, "fetch article bodies (overrides fetch_content)")
	loginOnly := flag.Bool("login", false, "run the browser login, save the session and exit")
	logout := flag.Bool("logout", false, "delete the saved session and exit")
	stats := flag.Bool("stats", false, "print stored counts and the last run, then exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		err = nil
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "keywords":
			cfg.KeywordsFile = *keywordsPath
		case "pages":
			cfg.Logic.TargetPages = *pages
		case "content":
			cfg.Logic.FetchContent = *content
		}
	})

	closer, err := logger.Init(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	defer closer.Close()

	ctx := context.Background()

	spider, err := app.NewSpiderApp(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to start spider")
		return exitError
	}
	defer spider.Close()

	switch {
	case *logout:
		if err := spider.Logout(); err != nil {
			log.Error().Err(err).Msg("failed to delete session")
			return exitError
		}
		log.Info().Str("file", cfg.Session.CookieFile).Msg("session deleted")
		return exitOK

	case *loginOnly:
		if err := spider.Login(ctx); err != nil {
			log.Error().Err(err).Msg("login failed")
			return exitAuthRequired
		}
		log.Info().Str("file", cfg.Session.CookieFile).Msg("session saved")
		return exitOK

	case *stats:
		summary, err := spider.Stats(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to read stats")
			return exitError
		}
		return printJSON(summary)
	}

	keywords, err := app.LoadKeywordsFile(cfg.KeywordsFile)
	if err != nil {
		log.Error().Err(err).Msg("failed to load keywords")
		return exitError
	}
	if len(keywords) == 0 {
		log.Warn().Str("file", cfg.KeywordsFile).Msg("no keywords configured")
		return exitOK
	}

	report, err := spider.Run(ctx, app.Tasks(keywords, cfg.Logic.TargetPages))
	if code := printJSON(report); code != exitOK {
		return code
	}
	if errors.Is(err, transport.ErrAuthRequired) {
		log.Error().Err(err).Msg("session could not be renewed, run with -login and restart")
		return exitAuthRequired
	}
	if err != nil {
		log.Error().Err(err).Msg("crawl failed")
		return exitError
	}

	log.Info().Msg("spider successfully run")
	return exitOK
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write output")
		return exitError
	}
	return exitOK
}
