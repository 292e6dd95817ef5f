// Package db persists article records. Both backends implement the same
// merge-on-write upsert so repeated crawls never duplicate or blank rows.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sogou_spider/internal/config"
	"sogou_spider/internal/models"
)

var (
	// ErrIO wraps any failure of the underlying database.
	ErrIO = errors.New("storage i/o failure")
	// ErrConflict means a concurrent insert of the same identity could not be
	// reconciled.
	ErrConflict = errors.New("storage write conflict")
)

// Store is the storage gateway used by the crawler.
type Store interface {
	// Upsert inserts rec or merges it into the row with the same identity and
	// returns the row id. Identity is (portal_url, keyword), falling back to
	// canonical_url when the record carries one. A canonical-URL match keeps the
	// stored row's identity and records rec's pair as an alias of it.
	Upsert(ctx context.Context, rec *models.ArticleRecord) (int64, error)
	// Find returns the stored row for (portalURL, keyword) or one of its
	// aliases, or nil.
	Find(ctx context.Context, portalURL, keyword string) (*models.ArticleRecord, error)
	Close() error
}

// RunRecorder is implemented by stores that keep a history of crawl runs.
type RunRecorder interface {
	SaveRun(ctx context.Context, report *models.RunReport) error
	// LastRun returns the most recently started run, or nil.
	LastRun(ctx context.Context) (*models.RunReport, error)
}

// KeywordStat counts the stored articles of one keyword.
type KeywordStat struct {
	Total          int `bson:"total" json:"total"`
	Resolved       int `bson:"resolved" json:"resolved"`
	ContentFetched int `bson:"content_fetched" json:"content_fetched"`
}

// StatsReporter is implemented by stores that can summarize their contents.
// A shared article counts once in Count and once under every keyword that
// found it in KeywordStats.
type StatsReporter interface {
	Count(ctx context.Context) (int, error)
	KeywordStats(ctx context.Context) (map[string]KeywordStat, error)
}

// Open connects the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DBConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLite(ctx, cfg.Path)
	case "mongo":
		return NewMongoDB(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
	}
}

// merge applies incoming onto stored: non-empty strings win, flags never
// regress and crawled_at is refreshed. The stored identity is kept.
func merge(stored, incoming *models.ArticleRecord) models.ArticleRecord {
	out := *stored
	pick := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	pick(&out.Title, incoming.Title)
	pick(&out.Summary, incoming.Summary)
	pick(&out.Source, incoming.Source)
	pick(&out.PublishTime, incoming.PublishTime)
	pick(&out.CanonicalURL, incoming.CanonicalURL)
	pick(&out.Content, incoming.Content)
	out.Resolved = stored.Resolved || incoming.Resolved
	out.ContentFetched = stored.ContentFetched || incoming.ContentFetched
	out.CrawledAt = crawledAt(incoming)
	return out
}

func crawledAt(rec *models.ArticleRecord) time.Time {
	if rec.CrawledAt.IsZero() {
		return time.Now()
	}
	return rec.CrawledAt
}
