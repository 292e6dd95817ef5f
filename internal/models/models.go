package models

import (
	"time"
)

// ArticleRecord is one article discovered through the search portal.
type ArticleRecord struct {
	ID             int64     `bson:"row_id" db:"id"`
	Title          string    `bson:"title" db:"title"`
	Summary        string    `bson:"summary" db:"summary"`
	Source         string    `bson:"source" db:"source"`
	PublishTime    string    `bson:"publish_time" db:"publish_time"`
	PortalURL      string    `bson:"portal_url" db:"portal_url"`
	CanonicalURL   string    `bson:"canonical_url" db:"canonical_url"`
	Content        string    `bson:"content" db:"content"`
	Keyword        string    `bson:"keyword" db:"keyword"`
	CrawledAt      time.Time `bson:"crawled_at" db:"crawled_at"`
	Resolved       bool      `bson:"resolved" db:"resolved"`
	ContentFetched bool      `bson:"content_fetched" db:"content_fetched"`
}

// Complete reports whether the record needs no further work for a crawl that
// does (or does not) fetch article bodies.
func (a *ArticleRecord) Complete(fetchContent bool) bool {
	return a.Resolved && (a.ContentFetched || !fetchContent)
}

// KeywordTask is one unit of orchestration work. TargetPages <= 0 means the
// keyword is paged until the portal reports no further pages.
type KeywordTask struct {
	Keyword     string
	TargetPages int
}

// Cookie is the serializable subset of an HTTP cookie kept in a session.
type Cookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Domain  string    `json:"domain,omitempty"`
	Path    string    `json:"path,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
}

// SessionState is the opaque credential bundle used for portal requests.
type SessionState struct {
	Cookies        []Cookie          `json:"cookies"`
	Headers        map[string]string `json:"headers,omitempty"`
	ObtainedAt     time.Time         `json:"obtained_at"`
	ValidUntilHint time.Time         `json:"valid_until_hint"`
}

// Valid is a hint only: a zero ValidUntilHint never expires locally, the
// portal has the final say.
func (s *SessionState) Valid(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.ValidUntilHint.IsZero() {
		return true
	}
	return now.Before(s.ValidUntilHint)
}

type KeywordState string

const (
	StatePending   KeywordState = "PENDING"
	StateSearching KeywordState = "SEARCHING"
	StateResolving KeywordState = "RESOLVING"
	StateDone      KeywordState = "DONE"
	StateFailed    KeywordState = "FAILED"
)

// KeywordReport holds the per-keyword counters of a run.
type KeywordReport struct {
	Keyword        string       `json:"keyword"`
	State          KeywordState `json:"state"`
	Pages          int          `json:"pages"`
	Found          int          `json:"found"`
	Skipped        int          `json:"skipped"`
	Resolved       int          `json:"resolved"`
	ContentFetched int          `json:"content_fetched"`
	Failed         int          `json:"failed"`
	LastError      string       `json:"last_error,omitempty"`
}

type RunReport struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Keywords   []KeywordReport `json:"keywords"`
	Halted     bool            `json:"halted"`
	HaltReason string          `json:"halt_reason,omitempty"`
}

// Totals sums the per-keyword counters.
func (r *RunReport) Totals() KeywordReport {
	total := KeywordReport{Keyword: "*"}
	for _, k := range r.Keywords {
		total.Pages += k.Pages
		total.Found += k.Found
		total.Skipped += k.Skipped
		total.Resolved += k.Resolved
		total.ContentFetched += k.ContentFetched
		total.Failed += k.Failed
	}
	return total
}
