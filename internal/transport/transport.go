// Package transport performs every outbound portal request: proxy rotation,
// randomized pacing, retry with backoff, block and session-expiry detection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/proxy"
	"golang.org/x/net/html/charset"

	"sogou_spider/internal/config"
	"sogou_spider/internal/logger"
	"sogou_spider/internal/models"
)

const MaxHops = 15

// Sessions is the view of the session coordinator the transport needs.
type Sessions interface {
	Current(ctx context.Context) (*models.SessionState, uint64, error)
	Renew(ctx context.Context, seenGeneration uint64) (*models.SessionState, uint64, error)
	// Valid is false once the current session is past its validity hint.
	Valid() bool
}

type Options struct {
	MinDelay      time.Duration
	MaxDelay      time.Duration
	Timeout       time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffFactor float64
	Jitter        float64
	MaxBodyBytes  int64
	UserAgent     string
	Proxies       []string
	RespectRobots bool
	BlockStatuses []int
	BlockMarkers  []string
	LoginMarkers  []string
}

func OptionsFromConfig(cfg *config.SpiderConfig) Options {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Options{
		MinDelay:      ms(cfg.Logic.MinDelayMS),
		MaxDelay:      ms(cfg.Logic.MaxDelayMS),
		Timeout:       cfg.Logic.Timeout(),
		MaxRetries:    cfg.Logic.MaxRetries,
		BackoffBase:   ms(cfg.Logic.BackoffBaseMS),
		BackoffMax:    ms(cfg.Logic.BackoffMaxMS),
		BackoffFactor: cfg.Logic.BackoffFactor,
		Jitter:        cfg.Logic.Jitter,
		MaxBodyBytes:  int64(cfg.Logic.MaxBodyKB) * 1024,
		UserAgent:     cfg.Logic.UserAgent,
		Proxies:       cfg.Proxies,
		RespectRobots: cfg.Logic.RespectRobots,
		BlockStatuses: cfg.Portal.BlockStatuses,
		BlockMarkers:  cfg.Portal.BlockMarkers,
		LoginMarkers:  cfg.Portal.LoginMarkers,
	}
}

// Request describes one logical request; Client.Do may send it several times.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Header  http.Header
	Referer string
}

type Response struct {
	StatusCode int
	// URL is the final URL after redirects.
	URL    string
	Header http.Header
	Body   string
}

type Stats struct {
	Requests        int64
	OK              int64
	Blocked         int64
	Expired         int64
	NetworkFailures int64
	Renewals        int64
}

type Client struct {
	opts     Options
	client   *http.Client
	sessions Sessions
	robots   *robotsCache

	jar    *cookiejar.Jar
	seedMu sync.Mutex
	seeded map[string]uint64

	// generation+1 of the last session an early renewal was tried for
	earlyRenewed atomic.Uint64

	requests        atomic.Int64
	ok              atomic.Int64
	blocked         atomic.Int64
	expired         atomic.Int64
	networkFailures atomic.Int64
	renewals        atomic.Int64
}

// New builds a client. sessions may be nil for anonymous use; an expired
// session then fails immediately with ErrAuthRequired.
func New(opts Options, sessions Sessions) (*Client, error) {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = 1
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 4 << 20
	}

	httpTransport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if len(opts.Proxies) > 0 {
		// the switcher advances on every request, so each retry leaves
		// through the next proxy in the pool
		rr, err := proxy.RoundRobinProxySwitcher(opts.Proxies...)
		if err != nil {
			return nil, fmt.Errorf("proxy pool: %w", err)
		}
		httpTransport.Proxy = rr
	}

	jar, _ := cookiejar.New(nil)
	client := &http.Client{
		Transport: httpTransport,
		Jar:       jar,
		Timeout:   opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxHops {
				return fmt.Errorf("stopped after %d redirects (MaxHops exceeded)", MaxHops)
			}
			return nil
		},
	}

	c := &Client{
		opts:     opts,
		client:   client,
		sessions: sessions,
		jar:      jar,
		seeded:   make(map[string]uint64),
	}
	if opts.RespectRobots {
		c.robots = newRobotsCache(client, opts.UserAgent)
	}
	return c, nil
}

// Do sends req, retrying transient failures and verification pages up to
// MaxRetries attempts in total. A login redirect triggers one session renewal
// and one extra attempt that does not count against MaxRetries.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	l := logger.WithComponent("transport")

	target, err := req.target()
	if err != nil {
		return nil, &Error{Kind: ErrNetwork, URL: req.URL, Err: err}
	}
	if c.robots != nil && !c.robots.allowed(ctx, target) {
		return nil, &Error{Kind: ErrDisallowed, URL: target.String()}
	}

	state, generation, err := c.currentSession(ctx)
	if err != nil {
		return nil, &Error{Kind: ErrAuthRequired, URL: target.String(), Err: err}
	}
	state, generation = c.renewEarly(ctx, state, generation)

	renewed := false
	attempt := 1
	var last *Error

	for {
		if err := sleep(ctx, c.randomDelay()); err != nil {
			return nil, &Error{Kind: ErrNetwork, URL: target.String(), Attempts: attempt - 1, Err: err}
		}

		c.requests.Add(1)
		resp, result, err := c.send(ctx, req, target, state, generation)

		switch result {
		case resultOK:
			c.ok.Add(1)
			return resp, nil

		case resultExpired:
			c.expired.Add(1)
			if renewed || c.sessions == nil {
				return nil, &Error{Kind: ErrAuthRequired, URL: target.String(), Attempts: attempt, Status: resp.StatusCode}
			}
			renewed = true
			l.Warn().Str("url", target.String()).Str("final_url", resp.URL).Msg("session expired")

			state, generation, err = c.sessions.Renew(ctx, generation)
			if err != nil {
				return nil, &Error{Kind: ErrAuthRequired, URL: target.String(), Attempts: attempt, Err: err}
			}
			c.renewals.Add(1)
			continue

		case resultBlocked:
			c.blocked.Add(1)
			last = &Error{Kind: ErrBlocked, URL: target.String(), Attempts: attempt, Status: resp.StatusCode}

		case resultTransient:
			c.networkFailures.Add(1)
			last = &Error{Kind: ErrNetwork, URL: target.String(), Attempts: attempt, Err: err}
			if resp != nil {
				last.Status = resp.StatusCode
			}

		case resultFatal:
			c.networkFailures.Add(1)
			e := &Error{Kind: ErrNetwork, URL: target.String(), Attempts: attempt, Err: err}
			if resp != nil {
				e.Status = resp.StatusCode
			}
			return nil, e
		}

		if attempt >= c.opts.MaxRetries {
			l.Error().Err(last).Msg("giving up")
			return nil, last
		}

		delay := c.backoff(attempt)
		l.Warn().
			Err(last).
			Int("attempt", attempt).
			Int("max_attempts", c.opts.MaxRetries).
			Dur("backoff", delay).
			Msg("request failed, retrying")

		if err := sleep(ctx, delay); err != nil {
			return nil, &Error{Kind: ErrNetwork, URL: target.String(), Attempts: attempt, Err: err}
		}
		attempt++
	}
}

// Get is a shorthand for a GET request with a referer.
func (c *Client) Get(ctx context.Context, rawURL, referer string) (*Response, error) {
	return c.Do(ctx, &Request{URL: rawURL, Referer: referer})
}

func (c *Client) Stats() Stats {
	return Stats{
		Requests:        c.requests.Load(),
		OK:              c.ok.Load(),
		Blocked:         c.blocked.Load(),
		Expired:         c.expired.Load(),
		NetworkFailures: c.networkFailures.Load(),
		Renewals:        c.renewals.Load(),
	}
}

// renewEarly renews a session past its validity hint before it is used, at
// most once per session generation. A failed renewal keeps the old session;
// the portal decides whether it still works.
func (c *Client) renewEarly(ctx context.Context, state *models.SessionState, generation uint64) (*models.SessionState, uint64) {
	if c.sessions == nil || c.sessions.Valid() {
		return state, generation
	}
	if c.earlyRenewed.Swap(generation+1) == generation+1 {
		return state, generation
	}

	fresh, gen, err := c.sessions.Renew(ctx, generation)
	if err != nil {
		l := logger.WithComponent("transport")
		l.Warn().Err(err).Msg("session past its validity hint and renewal failed, using it anyway")
		return state, generation
	}
	c.renewals.Add(1)
	return fresh, gen
}

func (c *Client) currentSession(ctx context.Context) (*models.SessionState, uint64, error) {
	if c.sessions == nil {
		return &models.SessionState{}, 0, nil
	}
	return c.sessions.Current(ctx)
}

type result int

const (
	resultOK result = iota
	resultBlocked
	resultExpired
	resultTransient
	resultFatal
)

func (c *Client) send(ctx context.Context, req *Request, target *url.URL, state *models.SessionState, generation uint64) (*Response, result, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return nil, resultFatal, err
	}
	c.decorate(httpReq, req, state)
	c.seedJar(target, state, generation)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, resultFatal, ctx.Err()
		}
		return nil, resultTransient, err
	}
	defer resp.Body.Close()

	body, err := c.readBody(resp)
	out := &Response{
		StatusCode: resp.StatusCode,
		URL:        resp.Request.URL.String(),
		Header:     resp.Header,
		Body:       body,
	}
	if err != nil {
		return out, resultTransient, fmt.Errorf("read body: %w", err)
	}

	res := c.classify(out)
	switch res {
	case resultTransient, resultFatal:
		return out, res, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return out, res, nil
}

func (c *Client) decorate(httpReq *http.Request, req *Request, state *models.SessionState) {
	httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	httpReq.Header.Set("Upgrade-Insecure-Requests", "1")

	for k, v := range state.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, values := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}
}

// seedJar copies the session cookies that apply to u's host into the jar, once
// per host and session generation. Cookies reach the wire only through the
// jar, so a cookie the portal sets again replaces the session's copy.
func (c *Client) seedJar(u *url.URL, state *models.SessionState, generation uint64) {
	host := strings.ToLower(u.Hostname())

	c.seedMu.Lock()
	defer c.seedMu.Unlock()
	if g, ok := c.seeded[host]; ok && g == generation {
		return
	}
	c.seeded[host] = generation

	var cookies []*http.Cookie
	for _, cookie := range state.Cookies {
		if !cookieMatches(cookie, host) {
			continue
		}
		domain := strings.TrimPrefix(strings.ToLower(cookie.Domain), ".")
		if domain == host {
			// host-only; the jar rejects a domain attribute on IP hosts
			domain = ""
		}
		cookies = append(cookies, &http.Cookie{
			Name:   cookie.Name,
			Value:  cookie.Value,
			Domain: domain,
			Path:   "/",
		})
	}
	if len(cookies) > 0 {
		c.jar.SetCookies(u, cookies)
	}
}

func (c *Client) readBody(resp *http.Response) (string, error) {
	utf8Reader, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		utf8Reader = resp.Body
	}
	data, err := io.ReadAll(io.LimitReader(utf8Reader, c.opts.MaxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Client) classify(resp *Response) result {
	finalURL := strings.ToLower(resp.URL)

	if resp.StatusCode == http.StatusUnauthorized {
		return resultExpired
	}
	for _, marker := range c.opts.LoginMarkers {
		if marker != "" && strings.Contains(finalURL, strings.ToLower(marker)) {
			return resultExpired
		}
	}

	if slices.Contains(c.opts.BlockStatuses, resp.StatusCode) {
		return resultBlocked
	}
	lowerBody := strings.ToLower(resp.Body)
	for _, marker := range c.opts.BlockMarkers {
		m := strings.ToLower(marker)
		if m == "" {
			continue
		}
		if strings.Contains(finalURL, m) || strings.Contains(lowerBody, m) {
			return resultBlocked
		}
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout:
		return resultTransient
	case resp.StatusCode >= 300:
		return resultFatal
	}
	return resultOK
}

func (c *Client) randomDelay() time.Duration {
	if c.opts.MaxDelay <= c.opts.MinDelay {
		return c.opts.MinDelay
	}
	return c.opts.MinDelay + rand.N(c.opts.MaxDelay-c.opts.MinDelay+1)
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.opts.BackoffBase) * math.Pow(c.opts.BackoffFactor, float64(attempt-1))
	if c.opts.BackoffMax > 0 && delay > float64(c.opts.BackoffMax) {
		delay = float64(c.opts.BackoffMax)
	}
	delay *= 1.0 + (rand.Float64()-0.5)*c.opts.Jitter
	return time.Duration(delay)
}

func (r *Request) target() (*url.URL, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("only http and https URLs are supported")
	}
	if len(r.Query) > 0 {
		q := u.Query()
		for k, values := range r.Query {
			for _, v := range values {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func cookieMatches(cookie models.Cookie, host string) bool {
	domain := strings.TrimPrefix(strings.ToLower(cookie.Domain), ".")
	if domain == "" {
		return true
	}
	host = strings.ToLower(host)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
