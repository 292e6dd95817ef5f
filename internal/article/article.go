// Package article turns a portal redirect link into the canonical article URL
// and, optionally, the article's body text.
package article

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"sogou_spider/internal/logger"
	"sogou_spider/internal/models"
	"sogou_spider/internal/transport"
)

var (
	ErrURLResolution = errors.New("canonical url resolution failed")
	ErrContentFetch  = errors.New("article content fetch failed")
)

var (
	fragmentRe  = regexp.MustCompile(`url \+= '([^']+)';`)
	directURLRe = regexp.MustCompile(`https://mp\.weixin\.qq\.com/s\?[^"'\s<>]*`)
	spaceRe     = regexp.MustCompile(`[ \t\f\r\x{00a0}\x{3000}]+`)
	blockTagRe  = regexp.MustCompile(`(?i)<(/?)(div|p|br|li|td|tr|section|blockquote|h[1-6])(\s[^>]*)?/?>`)
)

var contentSelectors = []string{
	"#js_content",
	".rich_media_content",
	".article-content",
	".content",
	"article",
	".post-content",
}

// Fetcher is satisfied by *transport.Client.
type Fetcher interface {
	Do(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// Resolver holds no mutable state and is safe for concurrent use.
type Resolver struct {
	fetcher Fetcher
	referer string
}

func NewResolver(fetcher Fetcher, portalBaseURL string) *Resolver {
	return &Resolver{
		fetcher: fetcher,
		referer: strings.TrimRight(portalBaseURL, "/") + "/",
	}
}

// Resolve returns rec with the canonical URL and, when fetchContent is set,
// the article body filled in. A record that is already resolved keeps its
// canonical URL and only has content fetched. On error the returned record
// carries whatever progress was made.
func (r *Resolver) Resolve(ctx context.Context, rec models.ArticleRecord, fetchContent bool) (models.ArticleRecord, error) {
	l := logger.WithComponent("article")

	if !rec.Resolved || rec.CanonicalURL == "" {
		canonical, err := r.canonicalURL(ctx, rec.PortalURL)
		if err != nil {
			rec.Resolved = false
			return rec, fmt.Errorf("%w: %w", ErrURLResolution, err)
		}
		rec.CanonicalURL = canonical
		rec.Resolved = true
		l.Debug().Str("portal_url", rec.PortalURL).Str("canonical_url", canonical).Msg("resolved")
	}

	if !fetchContent || rec.ContentFetched {
		return rec, nil
	}

	content, err := r.content(ctx, rec.CanonicalURL)
	if err != nil {
		return rec, fmt.Errorf("%w: %w", ErrContentFetch, err)
	}
	rec.Content = content
	rec.ContentFetched = true
	return rec, nil
}

func (r *Resolver) canonicalURL(ctx context.Context, portalURL string) (string, error) {
	if portalURL == "" {
		return "", errors.New("record has no portal url")
	}

	resp, err := r.fetcher.Do(ctx, &transport.Request{URL: portalURL, Referer: r.referer})
	if err != nil {
		return "", err
	}

	if canonical := extractCanonical(resp.Body); canonical != "" {
		return canonical, nil
	}

	// the portal sometimes answers with a plain HTTP redirect
	if left, err := leftHost(portalURL, resp.URL); err == nil && left {
		return resp.URL, nil
	}
	return "", errors.New("no article url in redirect page")
}

// extractCanonical rebuilds the URL the portal's redirect script assembles
// from `url += '...';` fragments.
func extractCanonical(body string) string {
	matches := fragmentRe.FindAllStringSubmatch(body, -1)
	if len(matches) > 0 {
		var b strings.Builder
		for _, m := range matches {
			b.WriteString(m[1])
		}
		return strings.ReplaceAll(b.String(), "@", "")
	}
	return directURLRe.FindString(body)
}

func leftHost(original, final string) (bool, error) {
	a, err := url.Parse(original)
	if err != nil {
		return false, err
	}
	b, err := url.Parse(final)
	if err != nil {
		return false, err
	}
	return b.Host != "" && !strings.EqualFold(a.Hostname(), b.Hostname()), nil
}

func (r *Resolver) content(ctx context.Context, canonicalURL string) (string, error) {
	resp, err := r.fetcher.Do(ctx, &transport.Request{URL: canonicalURL, Referer: r.referer})
	if err != nil {
		return "", err
	}

	text, err := extractText(resp.Body, resp.URL)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", errors.New("empty article body")
	}
	return text, nil
}

// extractText tries the known article containers first, then readability,
// then the whole body.
func extractText(rawHTML, pageURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(addBreaksBeforeParsing(rawHTML)))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript").Remove()

	for _, sel := range contentSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if text := normalizeText(node.Text()); text != "" {
			return text, nil
		}
	}

	if parsedURL, err := url.Parse(pageURL); err == nil {
		if art, err := readability.FromReader(strings.NewReader(rawHTML), parsedURL); err == nil && art.Content != "" {
			readable, err := goquery.NewDocumentFromReader(strings.NewReader(addBreaksBeforeParsing(art.Content)))
			if err == nil {
				if text := normalizeText(readable.Text()); text != "" {
					return text, nil
				}
			}
		}
	}

	return normalizeText(doc.Find("body").Text()), nil
}

// addBreaksBeforeParsing puts a newline around block-level tags so their text
// does not run together once markup is stripped.
func addBreaksBeforeParsing(html string) string {
	return blockTagRe.ReplaceAllStringFunc(html, func(tag string) string {
		return "\n" + tag + "\n"
	})
}

// normalizeText collapses horizontal whitespace, trims every line and drops
// blank ones.
func normalizeText(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
