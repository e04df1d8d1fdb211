package httpx

import (
	"errors"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTimeout = 20 * time.Second

	// 空闲连接池上限；并发预算再大，也不为每个 in-flight 请求都保留一个空闲连接。
	maxIdleConnsCap = 256
)

// Transport 把“UA 池 + keep-alive 策略”固化为统一策略。
//
// 不做重试：失败的请求由上层记录为该条目的终态，下次整批重跑时自然补齐。
type Transport struct {
	Base *http.Transport

	ua *uaPool

	// UserAgent 非空时固定使用该 UA，否则每个请求从内置 UA 池随机挑选。
	UserAgent string

	// DisableKeepAlives 决定是否对 Request 设置 Close=true（额外保险）。
	// 真正禁用 keep-alive 依赖 Base.DisableKeepAlives。
	DisableKeepAlives bool
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	r := req.Clone(req.Context())
	if r.Header.Get("User-Agent") == "" {
		if t.UserAgent != "" {
			r.Header.Set("User-Agent", t.UserAgent)
		} else if t.ua != nil {
			r.Header.Set("User-Agent", t.ua.random())
		}
	}
	if t.DisableKeepAlives {
		r.Close = true
	}
	return t.Base.RoundTrip(r)
}

// Options 描述下载用 HTTP client 的网络策略。
type Options struct {
	// ProxyURL 非空：所有请求走代理，且禁用 keep-alive（每请求新连接）。
	ProxyURL string
	// Timeout 是单个请求（建连到读完 body）的总超时；<=0 使用 DefaultTimeout。
	Timeout time.Duration
	// UserAgent 为空时使用内置 UA 池。
	UserAgent string
	// Concurrency 是调用方的并发预算，用于给空闲连接池定大小。
	Concurrency int
}

// NewClient 构造用于批量下载的 HTTP client。
func NewClient(opt Options) (*http.Client, error) {
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	idle := opt.Concurrency
	if idle < 1 {
		idle = 1
	}
	if idle > maxIdleConnsCap {
		idle = maxIdleConnsCap
	}

	base := &http.Transport{
		Proxy:                 nil,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		MaxIdleConns:          idle,
		MaxIdleConnsPerHost:   idle,
		IdleConnTimeout:       90 * time.Second,
	}

	disableKeepAlives := false
	proxyURL := strings.TrimSpace(opt.ProxyURL)
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, errors.New("proxy url 缺少 scheme 或 host：" + proxyURL)
		}
		base.Proxy = http.ProxyURL(u)
		// proxy 模式强制每请求新连接（代理池轮换依赖该行为）。
		base.DisableKeepAlives = true
		disableKeepAlives = true
	}

	tr := &Transport{
		Base:              base,
		ua:                globalUA,
		UserAgent:         strings.TrimSpace(opt.UserAgent),
		DisableKeepAlives: disableKeepAlives,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

type uaPool struct {
	mu  sync.Mutex
	rnd *rand.Rand
	uas []string
}

func (p *uaPool) random() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uas[p.rnd.Intn(len(p.uas))]
}

var globalUA = newUAPool()

func newUAPool() *uaPool {
	uas := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	}
	return &uaPool{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		uas: uas,
	}
}
