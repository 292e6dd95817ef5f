// Package search turns one keyword and page number into article candidates
// parsed from the portal's result page.
package search

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"

	"sogou_spider/internal/config"
	"sogou_spider/internal/logger"
	"sogou_spider/internal/models"
	"sogou_spider/internal/transport"
	urlqueue "sogou_spider/internal/url_queue"
)

const (
	timeLayout    = "2006-01-02 15:04:05"
	summaryMin    = 20
	summaryMax    = 300
	portalSiteTag = "微信公众平台"
)

var (
	timestampRe = regexp.MustCompile(`timeConvert\('(\d+)'\)`)
	dateRe      = regexp.MustCompile(`\d{4}-\d{1,2}-\d{1,2}`)
	relativeRe  = regexp.MustCompile(`今日|昨日|\d+小时前|\d+分钟前`)
)

// Fetcher is satisfied by *transport.Client.
type Fetcher interface {
	Do(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

type Page struct {
	Records []models.ArticleRecord
	HasMore bool
}

type Resolver struct {
	fetcher    Fetcher
	baseURL    string
	searchPath string
	warmup     bool
	now        func() time.Time
}

func NewResolver(fetcher Fetcher, portal config.PortalConfig) *Resolver {
	return &Resolver{
		fetcher:    fetcher,
		baseURL:    strings.TrimRight(portal.BaseURL, "/"),
		searchPath: portal.SearchPath,
		warmup:     portal.Warmup,
		now:        time.Now,
	}
}

// Search fetches one result page. Pages below 1 yield an empty page without a
// request. Transport errors are returned as is.
func (r *Resolver) Search(ctx context.Context, keyword string, page int) (Page, error) {
	l := logger.WithComponent("search")

	if page < 1 {
		return Page{}, nil
	}

	home := r.baseURL + "/"
	if r.warmup && page == 1 {
		if _, err := r.fetcher.Do(ctx, &transport.Request{URL: home}); err != nil {
			return Page{}, err
		}
	}

	resp, err := r.fetcher.Do(ctx, &transport.Request{
		URL: r.baseURL + r.searchPath,
		Query: url.Values{
			"query":      {keyword},
			"_sug_type_": {""},
			"s_from":     {"input"},
			"_sug_":      {"y"},
			"type":       {"2"},
			"page":       {strconv.Itoa(page)},
			"ie":         {"utf8"},
		},
		Referer: home,
	})
	if err != nil {
		return Page{}, err
	}

	result, err := r.parse(resp.Body, keyword)
	if err != nil {
		return Page{}, fmt.Errorf("%w: parse result page: %v", transport.ErrNetwork, err)
	}

	l.Info().
		Str("keyword", keyword).
		Int("page", page).
		Int("found", len(result.Records)).
		Bool("has_more", result.HasMore).
		Msg("search page parsed")
	return result, nil
}

func (r *Resolver) parse(body, keyword string) (Page, error) {
	l := logger.WithComponent("search")

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return Page{}, err
	}

	var page Page
	doc.Find("ul.news-list li").Each(func(i int, item *goquery.Selection) {
		rec, ok := r.parseItem(item, keyword)
		if !ok {
			l.Warn().Str("keyword", keyword).Int("position", i).Msg("skipping malformed result entry")
			return
		}
		page.Records = append(page.Records, rec)
	})
	page.HasMore = doc.Find("#sogou_next").Length() > 0
	return page, nil
}

func (r *Resolver) parseItem(item *goquery.Selection, keyword string) (models.ArticleRecord, bool) {
	titleSel := item.Find("h3 a").First()
	title := strings.TrimSpace(titleSel.Text())
	if title == "" {
		title = strings.TrimSpace(item.Find("h3").First().Text())
	}
	href, _ := titleSel.Attr("href")
	href = strings.TrimSpace(href)
	if title == "" || href == "" {
		return models.ArticleRecord{}, false
	}

	return models.ArticleRecord{
		Title:       title,
		Summary:     summary(item),
		Source:      source(item),
		PublishTime: r.publishTime(item),
		PortalURL:   urlqueue.Absolute(r.baseURL+"/", href),
		Keyword:     keyword,
		CrawledAt:   r.now(),
	}, true
}

func summary(item *goquery.Selection) string {
	var out string
	item.Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
		text := strings.TrimSpace(p.Text())
		if utf8.RuneCountInString(text) <= summaryMin ||
			dateRe.MatchString(text) ||
			relativeRe.MatchString(text) ||
			strings.Contains(text, portalSiteTag) {
			return true
		}
		if runes := []rune(text); len(runes) > summaryMax {
			text = string(runes[:summaryMax]) + "..."
		}
		out = text
		return false
	})
	return out
}

func source(item *goquery.Selection) string {
	for _, sel := range []string{"div.s-p span.all-time-y2", "div.s-p a.account", "a.account"} {
		text := strings.TrimSpace(item.Find(sel).First().Text())
		if text != "" && text != portalSiteTag {
			return text
		}
	}
	return ""
}

func (r *Resolver) publishTime(item *goquery.Selection) string {
	script := item.Find("div.s-p span.s2 script").First().Text()
	if m := timestampRe.FindStringSubmatch(script); m != nil {
		if ts, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return time.Unix(ts, 0).Format(timeLayout)
		}
	}

	span := item.Find("div.s-p span.s2").First().Clone()
	span.Find("script").Remove()
	text := strings.TrimSpace(span.Text())
	if text == "" {
		return ""
	}
	if t, err := dateparse.ParseLocal(text); err == nil {
		return t.Format(timeLayout)
	}
	return ""
}
