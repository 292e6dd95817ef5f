package search

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sogou_spider/internal/config"
	"sogou_spider/internal/transport"
)

const firstPage = `<html><body>
<ul class="news-list">
  <li>
    <h3><a href="/link?url=aaa&amp;type=2">机器人 进入工厂</a></h3>
    <p class="txt-info">2024-01-02</p>
    <p class="txt-info">工业机器人正在改变制造业的面貌，越来越多的工厂开始部署协作机器人来完成装配工作。</p>
    <div class="s-p"><span class="all-time-y2">机器人前沿</span><span class="s2"><script>document.write(timeConvert('1704153600'))</script></span></div>
  </li>
  <li>
    <h3><a href="https://weixin.sogou.com/link?url=bbb">服务机器人市场报告</a></h3>
    <p>昨日 发布</p>
    <div class="s-p"><a class="account">产业观察</a><span class="s2">2024-03-05 08:30</span></div>
  </li>
  <li>
    <h3><a href="/link?url=ccc">机器人 公司融资</a></h3>
    <div class="s-p"><span class="all-time-y2">微信公众平台</span></div>
  </li>
  <li>
    <h3><a>没有链接的条目</a></h3>
  </li>
  <li>
    <div class="s-p"><span class="all-time-y2">缺少标题</span></div>
  </li>
</ul>
<a id="sogou_next" href="?page=2">下一页</a>
</body></html>`

const lastPage = `<html><body>
<ul class="news-list">
  <li><h3><a href="/link?url=ddd">第二页文章一</a></h3></li>
  <li><h3><a href="/link?url=eee">第二页文章二</a></h3></li>
</ul>
</body></html>`

const emptyPage = `<html><body><div class="no-result">暂无与此相关的内容</div></body></html>`

type portal struct {
	srv      *httptest.Server
	homeHits atomic.Int32
	queries  []string
	pageFor  func(page string) string
}

func newPortal(t *testing.T) *portal {
	p := &portal{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		p.homeHits.Add(1)
		_, _ = w.Write([]byte("<html>home</html>"))
	})
	mux.HandleFunc("/weixin", func(w http.ResponseWriter, r *http.Request) {
		p.queries = append(p.queries, r.URL.RawQuery)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(p.pageFor(r.URL.Query().Get("page"))))
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	p.pageFor = func(page string) string {
		switch page {
		case "1":
			return firstPage
		case "2":
			return lastPage
		}
		return emptyPage
	}
	return p
}

func newResolver(t *testing.T, p *portal, warmup bool) *Resolver {
	cfg := config.Default()
	cfg.Portal.BaseURL = p.srv.URL
	cfg.Portal.Warmup = warmup

	opts := transport.OptionsFromConfig(cfg)
	opts.MinDelay, opts.MaxDelay = 0, 0
	opts.BackoffBase = time.Millisecond
	client, err := transport.New(opts, nil)
	require.NoError(t, err)

	return NewResolver(client, cfg.Portal)
}

func TestSearch_FirstPage(t *testing.T) {
	p := newPortal(t)
	r := newResolver(t, p, true)

	page, err := r.Search(context.Background(), "机器人", 1)
	require.NoError(t, err)

	require.Len(t, page.Records, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, int32(1), p.homeHits.Load())

	first := page.Records[0]
	assert.Equal(t, "机器人 进入工厂", first.Title)
	assert.Equal(t, p.srv.URL+"/link?url=aaa&type=2", first.PortalURL)
	assert.Equal(t, "机器人前沿", first.Source)
	assert.Equal(t, time.Unix(1704153600, 0).Format(timeLayout), first.PublishTime)
	assert.True(t, strings.HasPrefix(first.Summary, "工业机器人"))
	assert.Equal(t, "机器人", first.Keyword)
	assert.False(t, first.Resolved)
	assert.False(t, first.CrawledAt.IsZero())

	second := page.Records[1]
	assert.Equal(t, "https://weixin.sogou.com/link?url=bbb", second.PortalURL)
	assert.Equal(t, "产业观察", second.Source)
	assert.Equal(t, "2024-03-05 08:30:00", second.PublishTime)
	assert.Empty(t, second.Summary)

	assert.Empty(t, page.Records[2].Source)

	require.Len(t, p.queries, 1)
	assert.Contains(t, p.queries[0], "type=2")
	assert.Contains(t, p.queries[0], "page=1")
	assert.Contains(t, p.queries[0], "ie=utf8")
}

func TestSearch_LastAndOutOfRangePages(t *testing.T) {
	p := newPortal(t)
	r := newResolver(t, p, true)

	page, err := r.Search(context.Background(), "机器人", 2)
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.False(t, page.HasMore)
	assert.Equal(t, int32(0), p.homeHits.Load())

	page, err = r.Search(context.Background(), "机器人", 99)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.False(t, page.HasMore)
}

func TestSearch_PageBelowOne(t *testing.T) {
	p := newPortal(t)
	r := newResolver(t, p, false)

	for _, n := range []int{0, -3} {
		page, err := r.Search(context.Background(), "机器人", n)
		require.NoError(t, err)
		assert.Empty(t, page.Records)
		assert.False(t, page.HasMore)
	}
	assert.Empty(t, p.queries)
}

func TestSearch_BlockedPageIsError(t *testing.T) {
	p := newPortal(t)
	p.pageFor = func(string) string { return `<form action="/antispider/thank.php"></form>` }
	r := newResolver(t, p, false)

	_, err := r.Search(context.Background(), "机器人", 1)
	require.ErrorIs(t, err, transport.ErrBlocked)
}

func TestSummary_Truncation(t *testing.T) {
	long := strings.Repeat("长", 350)
	html := fmt.Sprintf(`<ul class="news-list"><li><h3><a href="/x">t</a></h3><p>%s</p></li></ul>`, long)

	r := &Resolver{baseURL: "https://weixin.sogou.com", now: time.Now}
	page, err := r.parse(html, "k")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)

	s := page.Records[0].Summary
	assert.True(t, strings.HasSuffix(s, "..."))
	assert.Equal(t, summaryMax+3, len([]rune(s)))
}
