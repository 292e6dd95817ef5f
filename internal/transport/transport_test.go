package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sogou_spider/internal/config"
	"sogou_spider/internal/models"
)

func testOptions() Options {
	opts := OptionsFromConfig(config.Default())
	opts.MinDelay = 0
	opts.MaxDelay = 0
	opts.BackoffBase = time.Millisecond
	opts.BackoffMax = 5 * time.Millisecond
	opts.Timeout = 5 * time.Second
	return opts
}

type fakeSessions struct {
	renewals atomic.Int32
	fail     error
	gen      atomic.Uint64
	// stale marks the initial session as past its validity hint
	stale bool
}

func (f *fakeSessions) Current(ctx context.Context) (*models.SessionState, uint64, error) {
	return f.state(), f.gen.Load(), nil
}

func (f *fakeSessions) Renew(ctx context.Context, seen uint64) (*models.SessionState, uint64, error) {
	f.renewals.Add(1)
	if f.fail != nil {
		return nil, seen, f.fail
	}
	gen := f.gen.Add(1)
	return f.state(), gen, nil
}

func (f *fakeSessions) Valid() bool {
	return !f.stale || f.gen.Load() > 0
}

func (f *fakeSessions) state() *models.SessionState {
	if f.gen.Load() == 0 {
		return &models.SessionState{}
	}
	return &models.SessionState{Cookies: []models.Cookie{{Name: "SUID", Value: "fresh"}}}
}

func TestClient_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "q=%E6%9C%BA%E5%99%A8%E4%BA%BA&type=2", r.URL.RawQuery)
		assert.Equal(t, "https://weixin.sogou.com/", r.Header.Get("Referer"))
		assert.Contains(t, r.Header.Get("Accept-Language"), "zh-CN")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	c, err := New(testOptions(), nil)
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), &Request{
		URL:     srv.URL + "/weixin",
		Query:   url.Values{"type": {"2"}, "q": {"机器人"}},
		Referer: "https://weixin.sogou.com/",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>ok</html>", resp.Body)
	assert.Equal(t, int64(1), c.Stats().OK)
}

func TestClient_DecodesGBK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=gbk")
		// "中文" in GBK
		_, _ = w.Write([]byte{0xd6, 0xd0, 0xce, 0xc4})
	}))
	defer srv.Close()

	c, err := New(testOptions(), nil)
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, "中文", resp.Body)
}

func TestClient_BlockedExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`<img id="seccodeImage" src="/antispider/util/seccode.php">`))
	}))
	defer srv.Close()

	opts := testOptions()
	opts.MaxRetries = 3
	c, err := New(opts, nil)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), srv.URL, "")
	require.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, int32(3), hits.Load())

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 3, terr.Attempts)
	assert.Equal(t, int64(3), c.Stats().Blocked)
}

func TestClient_BlockStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("fine"))
	}))
	defer srv.Close()

	c, err := New(testOptions(), nil)
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, "fine", resp.Body)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_ServerErrorIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("third time"))
	}))
	defer srv.Close()

	c, err := New(testOptions(), nil)
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, "third time", resp.Body)
	assert.Equal(t, int64(2), c.Stats().NetworkFailures)
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New(testOptions(), nil)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), srv.URL, "")
	require.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_UnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	opts := testOptions()
	opts.MaxRetries = 2
	c, err := New(opts, nil)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), addr, "")
	require.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, int64(2), c.Stats().Requests)
}

func TestClient_ExpiredSessionRenewsOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie("SUID"); err == nil && cookie.Value == "fresh" {
			_, _ = w.Write([]byte("results"))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sessions := &fakeSessions{}
	opts := testOptions()
	opts.MaxRetries = 1
	c, err := New(opts, sessions)
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, "results", resp.Body)
	assert.Equal(t, int32(1), sessions.renewals.Load())
	assert.Equal(t, int64(1), c.Stats().Renewals)
}

func TestClient_StaleSessionRenewsBeforeSending(t *testing.T) {
	var unauthorized atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie("SUID"); err == nil && cookie.Value == "fresh" {
			_, _ = w.Write([]byte("results"))
			return
		}
		unauthorized.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sessions := &fakeSessions{stale: true}
	c, err := New(testOptions(), sessions)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, err := c.Get(context.Background(), srv.URL, "")
		require.NoError(t, err)
		assert.Equal(t, "results", resp.Body)
	}
	assert.Zero(t, unauthorized.Load())
	assert.Equal(t, int32(1), sessions.renewals.Load())
}

func TestClient_StaleSessionRenewalFailureKeepsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("still fine"))
	}))
	defer srv.Close()

	sessions := &fakeSessions{stale: true, fail: errors.New("no browser")}
	c, err := New(testOptions(), sessions)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp, err := c.Get(context.Background(), srv.URL, "")
		require.NoError(t, err)
		assert.Equal(t, "still fine", resp.Body)
	}
	assert.Equal(t, int32(1), sessions.renewals.Load())
}

func TestClient_LoginRedirectTwiceIsAuthRequired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/weixin", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login?from=weixin", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("please log in"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sessions := &fakeSessions{}
	c, err := New(testOptions(), sessions)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), srv.URL+"/weixin", "")
	require.ErrorIs(t, err, ErrAuthRequired)
	assert.True(t, IsFatal(err))
	assert.Equal(t, int32(1), sessions.renewals.Load())
}

func TestClient_RenewFailureIsAuthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	boom := errors.New("login timed out")
	c, err := New(testOptions(), &fakeSessions{fail: boom})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), srv.URL, "")
	require.ErrorIs(t, err, ErrAuthRequired)
	require.ErrorIs(t, err, boom)
}

func TestClient_SessionCookiesMatchDomain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := r.Cookie("OTHER")
		assert.ErrorIs(t, err, http.ErrNoCookie)
		cookie, err := r.Cookie("SNUID")
		if assert.NoError(t, err) {
			assert.Equal(t, "x", cookie.Value)
		}
	}))
	defer srv.Close()

	sessions := &staticSessions{state: &models.SessionState{
		Cookies: []models.Cookie{
			{Name: "SNUID", Value: "x", Domain: "127.0.0.1"},
			{Name: "OTHER", Value: "y", Domain: ".sogou.com"},
		},
		Headers: map[string]string{"X-Extra": "1"},
	}}
	c, err := New(testOptions(), sessions)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), srv.URL, "")
	require.NoError(t, err)
}

func TestClient_PortalCookieReplacesSessionCookie(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var values []string
		for _, cookie := range r.Cookies() {
			if cookie.Name == "SNUID" {
				values = append(values, cookie.Value)
			}
		}
		if calls.Add(1) == 1 {
			assert.Equal(t, []string{"old"}, values)
			http.SetCookie(w, &http.Cookie{Name: "SNUID", Value: "new", Path: "/"})
			return
		}
		assert.Equal(t, []string{"new"}, values)
	}))
	defer srv.Close()

	sessions := &staticSessions{state: &models.SessionState{
		Cookies: []models.Cookie{{Name: "SNUID", Value: "old"}},
	}}
	c, err := New(testOptions(), sessions)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), srv.URL+"/weixin", "")
	require.NoError(t, err)
	_, err = c.Get(context.Background(), srv.URL+"/weixin?page=2", "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ProxyRotation(t *testing.T) {
	var viaA, viaB atomic.Int32
	proxyA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viaA.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer proxyA.Close()
	proxyB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viaB.Add(1)
		_, _ = w.Write([]byte("proxied"))
	}))
	defer proxyB.Close()

	opts := testOptions()
	opts.Proxies = []string{proxyA.URL, proxyB.URL}
	c, err := New(opts, nil)
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), "http://weixin.sogou.invalid/weixin", "")
	require.NoError(t, err)
	assert.Equal(t, "proxied", resp.Body)
	assert.Equal(t, int32(1), viaA.Load())
	assert.Equal(t, int32(1), viaB.Load())
}

func TestClient_RobotsDisallow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("public"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	opts := testOptions()
	opts.RespectRobots = true
	c, err := New(opts, nil)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), srv.URL+"/private/page", "")
	require.ErrorIs(t, err, ErrDisallowed)

	resp, err := c.Get(context.Background(), srv.URL+"/open", "")
	require.NoError(t, err)
	assert.Equal(t, "public", resp.Body)
}

func TestClient_ContextCancelled(t *testing.T) {
	opts := testOptions()
	opts.MinDelay = time.Second
	opts.MaxDelay = time.Second
	c, err := New(opts, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Get(ctx, "http://127.0.0.1:1/", "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestClient_Backoff(t *testing.T) {
	c := &Client{opts: Options{BackoffBase: time.Second, BackoffMax: 5 * time.Second, BackoffFactor: 2, Jitter: 0}}
	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 2*time.Second, c.backoff(2))
	assert.Equal(t, 4*time.Second, c.backoff(3))
	assert.Equal(t, 5*time.Second, c.backoff(4))

	c.opts.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := c.backoff(1)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestCookieMatches(t *testing.T) {
	assert.True(t, cookieMatches(models.Cookie{Domain: ".sogou.com"}, "weixin.sogou.com"))
	assert.True(t, cookieMatches(models.Cookie{Domain: "sogou.com"}, "sogou.com"))
	assert.True(t, cookieMatches(models.Cookie{}, "mp.weixin.qq.com"))
	assert.False(t, cookieMatches(models.Cookie{Domain: ".sogou.com"}, "mp.weixin.qq.com"))
	assert.False(t, cookieMatches(models.Cookie{Domain: "sogou.com"}, "notsogou.com"))
}

type staticSessions struct {
	state *models.SessionState
}

func (s *staticSessions) Current(ctx context.Context) (*models.SessionState, uint64, error) {
	return s.state, 0, nil
}

func (s *staticSessions) Renew(ctx context.Context, seen uint64) (*models.SessionState, uint64, error) {
	return s.state, seen, nil
}

func (s *staticSessions) Valid() bool { return true }
