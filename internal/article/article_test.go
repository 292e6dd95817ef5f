package article

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sogou_spider/internal/config"
	"sogou_spider/internal/models"
	"sogou_spider/internal/transport"
)

const redirectPage = `<html><head><script>
var url = '';
url += 'https://mp.';
url += 'weixin.qq.c';
url += 'om/s?src=11&timestamp=1704153600';
url += '&ver=5&signature=abc@def';
url.replace("@", "");
window.location.replace(url)
</script></head><body></body></html>`

const wechatArticle = `<html><head><style>.x{color:red}</style></head><body>
<div id="page-header">公众号菜单</div>
<div id="js_content" class="rich_media_content">
  <p>第一段：机器人产业   发展迅速。</p>
  <p>   </p>
  <section>第二段<span>内容</span></section>
  <script>var tracking = 1;</script>
</div>
</body></html>`

func newClient(t *testing.T, sessions transport.Sessions) *transport.Client {
	opts := transport.OptionsFromConfig(config.Default())
	opts.MinDelay, opts.MaxDelay = 0, 0
	opts.BackoffBase = time.Millisecond
	opts.MaxRetries = 2
	client, err := transport.New(opts, sessions)
	require.NoError(t, err)
	return client
}

func TestExtractCanonical(t *testing.T) {
	assert.Equal(t,
		"https://mp.weixin.qq.com/s?src=11&timestamp=1704153600&ver=5&signature=abcdef",
		extractCanonical(redirectPage))

	assert.Equal(t,
		"https://mp.weixin.qq.com/s?__biz=MzA&mid=1",
		extractCanonical(`<a href="https://mp.weixin.qq.com/s?__biz=MzA&mid=1">read</a>`))

	assert.Empty(t, extractCanonical("<html>nothing here</html>"))
}

func TestExtractText_Selectors(t *testing.T) {
	text, err := extractText(wechatArticle, "https://mp.weixin.qq.com/s?x=1")
	require.NoError(t, err)
	assert.Equal(t, "第一段：机器人产业 发展迅速。\n第二段内容", text)
}

func TestExtractText_BodyFallback(t *testing.T) {
	text, err := extractText(`<html><body><span>only</span> <b>body</b></body></html>`, "https://example.com/")
	require.NoError(t, err)
	assert.Contains(t, text, "only")
	assert.Contains(t, text, "body")

	text, err = extractText(`<html><body>   </body></html>`, "https://example.com/")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestResolve_FullPipeline(t *testing.T) {
	articleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://weixin.sogou.com/", r.Header.Get("Referer"))
		_, _ = w.Write([]byte(wechatArticle))
	}))
	defer articleSrv.Close()

	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<script>var url = ''; url += '` + articleSrv.URL + `/s?id=1';</script>`))
	}))
	defer portal.Close()

	r := NewResolver(newClient(t, nil), "https://weixin.sogou.com")
	rec := models.ArticleRecord{PortalURL: portal.URL + "/link?url=aaa", Keyword: "机器人", Title: "t"}

	out, err := r.Resolve(context.Background(), rec, true)
	require.NoError(t, err)
	assert.True(t, out.Resolved)
	assert.True(t, out.ContentFetched)
	assert.Equal(t, articleSrv.URL+"/s?id=1", out.CanonicalURL)
	assert.Contains(t, out.Content, "第二段内容")
	assert.Equal(t, "t", out.Title)

	// input is passed by value and left untouched
	assert.False(t, rec.Resolved)
}

func TestResolve_WithoutContent(t *testing.T) {
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(redirectPage))
	}))
	defer portal.Close()

	r := NewResolver(newClient(t, nil), portal.URL)
	out, err := r.Resolve(context.Background(), models.ArticleRecord{PortalURL: portal.URL + "/link"}, false)
	require.NoError(t, err)
	assert.True(t, out.Resolved)
	assert.False(t, out.ContentFetched)
	assert.Empty(t, out.Content)
}

func TestResolve_HTTPRedirectLeavingPortal(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body>plain</body></html>"))
	}))
	defer target.Close()
	// localhost and 127.0.0.1 are different hosts to the resolver
	targetURL := "http://localhost:" + strconv.Itoa(target.Listener.Addr().(*net.TCPAddr).Port) + "/s?id=9"

	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, targetURL, http.StatusFound)
	}))
	defer portal.Close()

	r := NewResolver(newClient(t, nil), portal.URL)
	out, err := r.Resolve(context.Background(), models.ArticleRecord{PortalURL: portal.URL + "/link"}, false)
	require.NoError(t, err)
	assert.Equal(t, targetURL, out.CanonicalURL)
}

func TestResolve_NoCanonicalURL(t *testing.T) {
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>nothing</html>"))
	}))
	defer portal.Close()

	r := NewResolver(newClient(t, nil), portal.URL)
	out, err := r.Resolve(context.Background(), models.ArticleRecord{PortalURL: portal.URL + "/link"}, true)
	require.ErrorIs(t, err, ErrURLResolution)
	assert.False(t, out.Resolved)
	assert.Empty(t, out.CanonicalURL)
}

func TestResolve_ContentFailureKeepsResolution(t *testing.T) {
	articleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer articleSrv.Close()
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`url += '` + articleSrv.URL + `/s';`))
	}))
	defer portal.Close()

	r := NewResolver(newClient(t, nil), portal.URL)
	out, err := r.Resolve(context.Background(), models.ArticleRecord{PortalURL: portal.URL + "/link"}, true)
	require.ErrorIs(t, err, ErrContentFetch)
	require.ErrorIs(t, err, transport.ErrNetwork)
	assert.True(t, out.Resolved)
	assert.False(t, out.ContentFetched)
	assert.Equal(t, articleSrv.URL+"/s", out.CanonicalURL)
}

func TestResolve_EmptyContentIsFailure(t *testing.T) {
	articleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div id="js_content"> </div></body></html>`))
	}))
	defer articleSrv.Close()

	r := NewResolver(newClient(t, nil), "https://weixin.sogou.com")
	rec := models.ArticleRecord{PortalURL: "https://weixin.sogou.com/link", CanonicalURL: articleSrv.URL, Resolved: true}
	out, err := r.Resolve(context.Background(), rec, true)
	require.ErrorIs(t, err, ErrContentFetch)
	assert.True(t, out.Resolved)
}

func TestResolve_AlreadyResolvedSkipsPortal(t *testing.T) {
	var portalHits atomic.Int32
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		portalHits.Add(1)
	}))
	defer portal.Close()
	articleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(wechatArticle))
	}))
	defer articleSrv.Close()

	r := NewResolver(newClient(t, nil), portal.URL)
	rec := models.ArticleRecord{PortalURL: portal.URL + "/link", CanonicalURL: articleSrv.URL + "/s", Resolved: true}

	out, err := r.Resolve(context.Background(), rec, true)
	require.NoError(t, err)
	assert.True(t, out.ContentFetched)
	assert.Equal(t, int32(0), portalHits.Load())
}

func TestResolve_AuthRequiredPropagates(t *testing.T) {
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer portal.Close()

	r := NewResolver(newClient(t, nil), portal.URL)
	_, err := r.Resolve(context.Background(), models.ArticleRecord{PortalURL: portal.URL + "/link"}, false)
	require.ErrorIs(t, err, ErrURLResolution)
	require.ErrorIs(t, err, transport.ErrAuthRequired)
}
