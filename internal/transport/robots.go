package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"

	"sogou_spider/internal/logger"
)

// robotsCache fetches robots.txt once per origin. Unreachable or broken
// robots files allow everything.
type robotsCache struct {
	client *http.Client
	agent  string

	mu     sync.Mutex
	groups map[string]*robotstxt.Group
}

func newRobotsCache(client *http.Client, agent string) *robotsCache {
	return &robotsCache{
		client: client,
		agent:  agent,
		groups: make(map[string]*robotstxt.Group),
	}
}

func (r *robotsCache) allowed(ctx context.Context, u *url.URL) bool {
	origin := fmt.Sprintf("%s://%s", u.Scheme, u.Host)

	r.mu.Lock()
	group, ok := r.groups[origin]
	r.mu.Unlock()

	if !ok {
		group = r.fetch(ctx, origin)
		r.mu.Lock()
		r.groups[origin] = group
		r.mu.Unlock()
	}

	if group == nil {
		return true
	}
	return group.Test(u.Path)
}

func (r *robotsCache) fetch(ctx context.Context, origin string) *robotstxt.Group {
	l := logger.WithComponent("robots")
	robotsURL := origin + "/robots.txt"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", r.agent)

	resp, err := r.client.Do(req)
	if err != nil {
		l.Warn().Err(err).Str("url", robotsURL).Msg("robots.txt unavailable, ignoring")
		return nil
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		l.Warn().Err(err).Str("url", robotsURL).Msg("robots.txt unparseable, ignoring")
		return nil
	}

	l.Info().Str("url", robotsURL).Msg("robots.txt loaded")
	return data.FindGroup(r.agent)
}
