package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"sogou_spider/internal/logger"
	"sogou_spider/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS articles (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	title           TEXT NOT NULL DEFAULT '',
	summary         TEXT NOT NULL DEFAULT '',
	source          TEXT NOT NULL DEFAULT '',
	publish_time    TEXT NOT NULL DEFAULT '',
	portal_url      TEXT NOT NULL,
	canonical_url   TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL DEFAULT '',
	keyword         TEXT NOT NULL,
	crawled_at      INTEGER NOT NULL,
	resolved        BOOLEAN NOT NULL DEFAULT 0,
	content_fetched BOOLEAN NOT NULL DEFAULT 0,
	UNIQUE (portal_url, keyword)
);
CREATE INDEX IF NOT EXISTS idx_articles_canonical_url ON articles(canonical_url);
CREATE INDEX IF NOT EXISTS idx_articles_publish_time ON articles(publish_time);
CREATE INDEX IF NOT EXISTS idx_articles_source ON articles(source);
CREATE TABLE IF NOT EXISTS article_keys (
	portal_url TEXT NOT NULL,
	keyword    TEXT NOT NULL,
	article_id INTEGER NOT NULL REFERENCES articles(id),
	PRIMARY KEY (portal_url, keyword)
);
CREATE INDEX IF NOT EXISTS idx_article_keys_article_id ON article_keys(article_id);
INSERT OR IGNORE INTO article_keys (portal_url, keyword, article_id)
	SELECT portal_url, keyword, id FROM articles;
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	halted      BOOLEAN NOT NULL DEFAULT 0,
	halt_reason TEXT NOT NULL DEFAULT '',
	report      TEXT NOT NULL
);
`

const articleColumns = `a.id, a.title, a.summary, a.source, a.publish_time, a.portal_url,
	a.canonical_url, a.content, a.keyword, a.crawled_at, a.resolved, a.content_fetched`

// byKey selects the article a (portal_url, keyword) pair points at, whether it
// is the row's own identity or an alias recorded by a canonical-URL merge.
const byKey = `SELECT ` + articleColumns + ` FROM article_keys k
	JOIN articles a ON a.id = k.article_id
	WHERE k.portal_url = ? AND k.keyword = ?`

// SQLite is the default single-file store.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	// one writer; upserts serialize on this connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %w", ErrIO, err)
	}

	l := logger.WithComponent("db")
	l.Info().Str("driver", "sqlite").Str("path", path).Msg("storage ready")
	return &SQLite{db: db}, nil
}

func (s *SQLite) Upsert(ctx context.Context, rec *models.ArticleRecord) (int64, error) {
	if rec.PortalURL == "" || rec.Keyword == "" {
		return 0, fmt.Errorf("%w: record needs portal_url and keyword", ErrIO)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer tx.Rollback()

	stored, err := s.lookup(ctx, tx, rec)
	if err != nil {
		return 0, err
	}

	var id int64
	if stored == nil {
		id, err = insertArticle(ctx, tx, rec)
	} else {
		merged := merge(stored, rec)
		id = stored.ID
		err = updateArticle(ctx, tx, &merged)
	}
	if err != nil {
		return 0, err
	}
	if err := linkKey(ctx, tx, rec, id); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIO, err)
	}
	rec.ID = id
	return id, nil
}

func (s *SQLite) Find(ctx context.Context, portalURL, keyword string) (*models.ArticleRecord, error) {
	return scanArticle(s.db.QueryRowContext(ctx, byKey, portalURL, keyword))
}

// Count returns the number of stored articles.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return n, nil
}

func (s *SQLite) KeywordStats(ctx context.Context) (map[string]KeywordStat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT keyword, COUNT(*), SUM(resolved), SUM(content_fetched)
		FROM (SELECT DISTINCT k.keyword, a.id, a.resolved, a.content_fetched
			FROM article_keys k JOIN articles a ON a.id = k.article_id)
		GROUP BY keyword`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer rows.Close()

	stats := make(map[string]KeywordStat)
	for rows.Next() {
		var (
			keyword string
			stat    KeywordStat
		)
		if err := rows.Scan(&keyword, &stat.Total, &stat.Resolved, &stat.ContentFetched); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
		stats[keyword] = stat
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return stats, nil
}

// SaveRun stores the report of a finished run as JSON.
func (s *SQLite) SaveRun(ctx context.Context, report *models.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(run_id, started_at, finished_at, halted, halt_reason, report) VALUES (?, ?, ?, ?, ?, ?)`,
		report.RunID, report.StartedAt.UnixMilli(), report.FinishedAt.UnixMilli(),
		report.Halted, report.HaltReason, string(data))
	if err != nil {
		return fmt.Errorf("%w: save run: %w", ErrIO, err)
	}
	return nil
}

// LastRun returns the most recently started run, or nil.
func (s *SQLite) LastRun(ctx context.Context) (*models.RunReport, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	var report models.RunReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("%w: decode run: %w", ErrIO, err)
	}
	return &report, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) lookup(ctx context.Context, tx *sql.Tx, rec *models.ArticleRecord) (*models.ArticleRecord, error) {
	stored, err := scanArticle(tx.QueryRowContext(ctx, byKey, rec.PortalURL, rec.Keyword))
	if err != nil || stored != nil || rec.CanonicalURL == "" {
		return stored, err
	}
	return scanArticle(tx.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles a WHERE a.canonical_url = ? ORDER BY a.id LIMIT 1`,
		rec.CanonicalURL))
}

func linkKey(ctx context.Context, tx *sql.Tx, rec *models.ArticleRecord, id int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO article_keys (portal_url, keyword, article_id) VALUES (?, ?, ?)`,
		rec.PortalURL, rec.Keyword, id)
	if err != nil {
		return fmt.Errorf("%w: link key: %w", ErrIO, err)
	}
	return nil
}

func insertArticle(ctx context.Context, tx *sql.Tx, rec *models.ArticleRecord) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO articles
		(title, summary, source, publish_time, portal_url, canonical_url, content, keyword, crawled_at, resolved, content_fetched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Title, rec.Summary, rec.Source, rec.PublishTime, rec.PortalURL, rec.CanonicalURL,
		rec.Content, rec.Keyword, crawledAt(rec).UnixMilli(), rec.Resolved, rec.ContentFetched)
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %w", ErrIO, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return id, nil
}

func updateArticle(ctx context.Context, tx *sql.Tx, rec *models.ArticleRecord) error {
	_, err := tx.ExecContext(ctx, `UPDATE articles SET
		title = ?, summary = ?, source = ?, publish_time = ?, portal_url = ?, canonical_url = ?,
		content = ?, keyword = ?, crawled_at = ?, resolved = ?, content_fetched = ?
		WHERE id = ?`,
		rec.Title, rec.Summary, rec.Source, rec.PublishTime, rec.PortalURL, rec.CanonicalURL,
		rec.Content, rec.Keyword, rec.CrawledAt.UnixMilli(), rec.Resolved, rec.ContentFetched, rec.ID)
	if err != nil {
		return fmt.Errorf("%w: update: %w", ErrIO, err)
	}
	return nil
}

func scanArticle(row *sql.Row) (*models.ArticleRecord, error) {
	var (
		rec       models.ArticleRecord
		crawledMS int64
	)
	err := row.Scan(&rec.ID, &rec.Title, &rec.Summary, &rec.Source, &rec.PublishTime,
		&rec.PortalURL, &rec.CanonicalURL, &rec.Content, &rec.Keyword, &crawledMS,
		&rec.Resolved, &rec.ContentFetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	rec.CrawledAt = time.UnixMilli(crawledMS)
	return &rec, nil
}
