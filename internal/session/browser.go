package session

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"sogou_spider/internal/logger"
	"sogou_spider/internal/models"
)

const loginPollInterval = time.Second

// BrowserLogin drives a Chrome instance to the portal and waits for the user
// to finish the QR-code login, then captures the resulting cookies.
type BrowserLogin struct {
	PortalURL     string
	UserAgent     string
	Headless      bool
	Timeout       time.Duration
	LoginSelector string
	// A session is considered logged in once any cookie name contains one of
	// these substrings (case-insensitive).
	CookieMarkers []string
}

func (b *BrowserLogin) Login(ctx context.Context) (*models.SessionState, error) {
	l := logger.WithComponent("browser-login")

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.Headless),
	)
	if b.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.UserAgent))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, timeout)
	defer cancelTimeout()

	l.Info().Str("url", b.PortalURL).Msg("opening portal for login")
	if err := chromedp.Run(taskCtx, chromedp.Navigate(b.PortalURL)); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", b.PortalURL, err)
	}

	if b.LoginSelector != "" {
		clickCtx, cancelClick := context.WithTimeout(taskCtx, 5*time.Second)
		err := chromedp.Run(clickCtx, chromedp.Click(b.LoginSelector, chromedp.ByQuery, chromedp.NodeVisible))
		cancelClick()
		if err != nil {
			l.Info().Str("selector", b.LoginSelector).Msg("login control not found, waiting for manual login")
		}
	}

	l.Info().Dur("timeout", timeout).Msg("scan the QR code in the browser window to log in")

	var cookies []*network.Cookie
	err := chromedp.Run(taskCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		for {
			got, err := network.GetCookies().Do(ctx)
			if err != nil {
				return err
			}
			if b.loggedIn(got) {
				cookies = got
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(loginPollInterval):
			}
		}
	}))
	if err != nil {
		return nil, fmt.Errorf("login not completed: %w", err)
	}

	state := &models.SessionState{
		Cookies:    convertCookies(cookies),
		ObtainedAt: time.Now(),
	}
	l.Info().Int("cookies", len(state.Cookies)).Msg("login captured")
	return state, nil
}

func (b *BrowserLogin) loggedIn(cookies []*network.Cookie) bool {
	for _, c := range cookies {
		name := strings.ToLower(c.Name)
		for _, marker := range b.CookieMarkers {
			if strings.Contains(name, strings.ToLower(marker)) {
				return true
			}
		}
	}
	return false
}

func convertCookies(in []*network.Cookie) []models.Cookie {
	out := make([]models.Cookie, 0, len(in))
	for _, c := range in {
		cookie := models.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		}
		// session cookies report a non-positive expiry
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			cookie.Expires = time.Unix(int64(sec), int64(frac*1e9))
		}
		out = append(out, cookie)
	}
	return out
}
