package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/John-Robertt/bulkfetch/config"
	"github.com/John-Robertt/bulkfetch/internal/infra/fsx"
	"github.com/John-Robertt/bulkfetch/internal/infra/httpx"
)

// NetworkErrorPolicy 决定单条网络失败对整次运行的影响。
type NetworkErrorPolicy string

const (
	// Isolate：失败只记入该条目的结果，其它条目照常下载（默认）。
	Isolate NetworkErrorPolicy = config.PolicyIsolate
	// Abort：停止发起新请求，等在途请求结束后，Start 返回该错误。
	Abort NetworkErrorPolicy = config.PolicyAbort
)

var (
	// ErrInvalidURL 表示 URL 无法构造 http/https GET 请求。
	ErrInvalidURL = errors.New("invalid url")
	// ErrAlreadyStarted 表示同一个 Fetcher 被重复 Start（快照只对一次运行有效）。
	ErrAlreadyStarted = errors.New("fetcher 已经运行过")
)

// 非 200 响应最多丢弃这么多字节再关闭，尽量让连接可以复用。
const drainLimit = 64 << 10

type options struct {
	concurrency int
	pace        time.Duration
	timeout     time.Duration
	proxyURL    string
	userAgent   string
	policy      NetworkErrorPolicy
	atomic      bool

	client *http.Client
	fsys   billy.Filesystem
	obs    Observer
}

func defaultOptions() options {
	return options{
		concurrency: config.DefaultConcurrency,
		pace:        config.DefaultPace,
		timeout:     config.DefaultTimeout,
		policy:      Isolate,
		atomic:      true,
	}
}

// Option 调整 Fetcher 的行为。
type Option func(*options)

// WithConcurrency 设置同时在途的请求上限（>=1）。
func WithConcurrency(n int) Option { return func(o *options) { o.concurrency = n } }

// WithPace 设置相邻两次发起请求之间的固定间隔；0 表示不等待。
func WithPace(d time.Duration) Option { return func(o *options) { o.pace = d } }

// WithTimeout 设置单个请求的总超时（仅在未提供 WithClient 时生效）。
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithProxy 让所有请求走代理（仅在未提供 WithClient 时生效）。
func WithProxy(proxyURL string) Option { return func(o *options) { o.proxyURL = proxyURL } }

// WithUserAgent 固定 UA（仅在未提供 WithClient 时生效）。
func WithUserAgent(ua string) Option { return func(o *options) { o.userAgent = ua } }

// WithClient 直接使用调用方的 http.Client。
func WithClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// WithFilesystem 用 fsys 代替磁盘上的目标目录（fsys 的根即目标目录）。
func WithFilesystem(fsys billy.Filesystem) Option { return func(o *options) { o.fsys = fsys } }

// WithObserver 注册进度/状态观察者。
func WithObserver(obs Observer) Option { return func(o *options) { o.obs = obs } }

// WithNetworkErrorPolicy 选择网络失败的处理策略。
func WithNetworkErrorPolicy(p NetworkErrorPolicy) Option { return func(o *options) { o.policy = p } }

// WithAtomicWrite 选择写入方式：true 为临时文件 + rename；false 为直接 O_EXCL 写入。
func WithAtomicWrite(on bool) Option { return func(o *options) { o.atomic = on } }

// Fetcher 在并发预算内把一批 URL 下载为目标目录下的文件，已存在的文件名直接跳过。
type Fetcher struct {
	dir      string
	items    []WorkItem
	existing map[string]struct{}

	fsys   billy.Filesystem
	client *http.Client
	opts   options

	started atomic.Bool
}

// New 校验输入、确保目标目录存在，并对目录内容做一次快照。
//
// names 与 urls 按下标一一对应。返回的错误：
// - *ValidationError：参数不合法（未触碰文件系统）
// - *FilesystemError：目标目录无法创建或列出
func New(dir string, names, urls []string, opts ...Option) (*Fetcher, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	items, err := buildItems(names, urls)
	if err != nil {
		return nil, err
	}

	client := o.client
	if client == nil {
		c, err := httpx.NewClient(httpx.Options{
			ProxyURL:    o.proxyURL,
			Timeout:     o.timeout,
			UserAgent:   o.userAgent,
			Concurrency: o.concurrency,
		})
		if err != nil {
			return nil, &ValidationError{Field: "proxy", Index: -1, Msg: err.Error()}
		}
		client = c
	}

	fsys := o.fsys
	if fsys == nil {
		if strings.TrimSpace(dir) == "" {
			return nil, &ValidationError{Field: "dir", Index: -1, Msg: "目标目录不能为空"}
		}
		dir = filepath.Clean(dir)
		fsys, err = fsx.OpenDir(dir)
		if err != nil {
			return nil, &FilesystemError{Op: "mkdir", Path: dir, Err: err}
		}
	} else {
		if dir == "" {
			dir = fsys.Root()
		}
		if err := fsys.MkdirAll(".", 0o755); err != nil {
			return nil, &FilesystemError{Op: "mkdir", Path: dir, Err: err}
		}
	}

	existing, err := fsx.ListNames(fsys)
	if err != nil {
		return nil, &FilesystemError{Op: "list", Path: dir, Err: err}
	}

	return &Fetcher{
		dir:      dir,
		items:    items,
		existing: existing,
		fsys:     fsys,
		client:   client,
		opts:     o,
	}, nil
}

// NewFromConfig 用 EffectiveConfig 构造 Fetcher；opts 在配置之后应用，可覆盖配置。
func NewFromConfig(eff config.EffectiveConfig, names, urls []string, opts ...Option) (*Fetcher, error) {
	base := []Option{
		WithConcurrency(eff.MaxConcurrency),
		WithPace(eff.Pace),
		WithTimeout(eff.Timeout),
		WithProxy(eff.ProxyURL),
		WithUserAgent(eff.UserAgent),
		WithAtomicWrite(eff.AtomicWrite),
	}
	if eff.OnNetworkError != "" {
		base = append(base, WithNetworkErrorPolicy(NetworkErrorPolicy(eff.OnNetworkError)))
	}
	return New(eff.TargetDir, names, urls, append(base, opts...)...)
}

func (o options) validate() error {
	if o.concurrency < 1 {
		return &ValidationError{Field: "max_concurrency", Index: -1, Msg: fmt.Sprintf("必须是正整数，实际是 %d", o.concurrency)}
	}
	if o.pace < 0 {
		return &ValidationError{Field: "pace", Index: -1, Msg: fmt.Sprintf("不能为负，实际是 %s", o.pace)}
	}
	switch o.policy {
	case Isolate, Abort:
	default:
		return &ValidationError{Field: "on_network_error", Index: -1, Msg: fmt.Sprintf("只能是 isolate 或 abort，实际是 %q", o.policy)}
	}
	return nil
}

func buildItems(names, urls []string) ([]WorkItem, error) {
	if len(names) != len(urls) {
		return nil, &ValidationError{Field: "names", Index: -1, Msg: fmt.Sprintf("与 urls 长度不一致：%d != %d", len(names), len(urls))}
	}

	seen := make(map[string]int, len(names))
	items := make([]WorkItem, len(names))
	for i, name := range names {
		if err := checkName(name); err != nil {
			return nil, &ValidationError{Field: "names", Index: i, Msg: err.Error()}
		}
		// 同一次运行里两个条目写同一个文件名会产生未定义的并发写，直接拒绝。
		if j, ok := seen[name]; ok {
			return nil, &ValidationError{Field: "names", Index: i, Msg: fmt.Sprintf("文件名 %q 与 names[%d] 重复", name, j)}
		}
		seen[name] = i
		items[i] = WorkItem{URL: urls[i], Name: name}
	}
	return items, nil
}

// checkName 保证文件名落在目标目录的扁平命名空间内。
func checkName(name string) error {
	switch {
	case name == "":
		return errors.New("文件名不能为空")
	case name == "." || name == "..":
		return fmt.Errorf("非法文件名：%q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("文件名不能包含路径分隔符：%q", name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("文件名不能包含 NUL：%q", name)
	}
	return nil
}

// Dir 返回目标目录。
func (f *Fetcher) Dir() string { return f.dir }

// Items 返回输入条目（副本）。
func (f *Fetcher) Items() []WorkItem { return append([]WorkItem(nil), f.items...) }

// Existing 报告 name 是否在构造时的目录快照里。
func (f *Fetcher) Existing(name string) bool {
	_, ok := f.existing[name]
	return ok
}

type indexedResult struct {
	idx int
	res ItemResult
	dur time.Duration
}

// Start 按输入顺序发起下载，等待所有条目到达终态后返回报告。
//
// 单条失败不会中断整次运行（除非策略为 Abort）。error 仅在运行被截断时非 nil：
// ctx 被取消，或 Abort 策略遇到网络失败。即便如此，报告也覆盖全部条目：
// 未能发起的条目记为 failed/canceled。
func (f *Fetcher) Start(ctx context.Context) (RunReport, error) {
	if !f.started.CompareAndSwap(false, true) {
		return RunReport{}, ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rr := RunReport{
		RunID:     uuid.NewString(),
		Dir:       f.dir,
		StartedAt: time.Now().UTC(),
		Items:     make([]ItemResult, len(f.items)),
	}
	for i, it := range f.items {
		rr.Items[i] = ItemResult{Name: it.Name, URL: it.URL, Status: StatePending}
	}

	obs := f.opts.obs
	if obs != nil {
		existing := 0
		for _, it := range f.items {
			if f.Existing(it.Name) {
				existing++
			}
		}
		obs.OnStart(RunInfo{
			RunID:       rr.RunID,
			Dir:         f.dir,
			Total:       len(f.items),
			Existing:    existing,
			Concurrency: f.opts.concurrency,
			Pace:        f.opts.pace,
		})
	}

	// runCtx 只管“是否继续发起”：Abort 取消它，在途请求仍用调用方的 ctx 跑完。
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		abortOnce sync.Once
		abortErr  error
	)
	abort := func(err error) {
		abortOnce.Do(func() {
			abortErr = err
			cancel()
		})
	}

	var onNetErr func(error)
	if f.opts.policy == Abort {
		onNetErr = abort
	}

	// 结果统一由一个 goroutine 汇总：报告写入与 OnItemDone 都是串行的。
	results := make(chan indexedResult, 64)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		done := 0
		for r := range results {
			rr.Items[r.idx] = r.res
			done++
			if obs != nil {
				obs.OnItemDone(done, len(f.items), r.res, r.dur)
			}
		}
	}()

	sem := semaphore.NewWeighted(int64(f.opts.concurrency))
	var wg sync.WaitGroup

	initiated := 0
	stoppedAt := len(f.items)
	for i, it := range f.items {
		if f.Existing(it.Name) {
			results <- indexedResult{idx: i, res: ItemResult{Name: it.Name, URL: it.URL, Status: StateSkippedExists}}
			continue
		}

		// 节流：只作用于“发起”之间，与并发预算相互独立。
		pace := f.opts.pace
		if initiated == 0 {
			pace = 0
		}
		if err := sleepCtx(runCtx, pace); err != nil {
			stoppedAt = i
			break
		}

		f.notify(i, it, StateAcquiringSlot)
		if err := sem.Acquire(runCtx, 1); err != nil {
			stoppedAt = i
			break
		}
		if runCtx.Err() != nil {
			sem.Release(1)
			stoppedAt = i
			break
		}
		initiated++
		f.notify(i, it, StateInFlight)

		wg.Add(1)
		go func(i int, it WorkItem) {
			defer wg.Done()
			began := time.Now()
			res, _ := f.fetchOne(ctx, sem, it, onNetErr)
			results <- indexedResult{idx: i, res: res, dur: time.Since(began)}
		}(i, it)
	}

	// 被截断：剩余条目里已存在的照常记为 skipped_exists，其余记为 canceled。
	for i := stoppedAt; i < len(f.items); i++ {
		it := f.items[i]
		if f.Existing(it.Name) {
			results <- indexedResult{idx: i, res: ItemResult{Name: it.Name, URL: it.URL, Status: StateSkippedExists}}
			continue
		}
		results <- indexedResult{idx: i, res: ItemResult{
			Name:      it.Name,
			URL:       it.URL,
			Status:    StateFailed,
			ErrorCode: ErrCodeCanceled,
			ErrorMsg:  "运行已取消，未发起请求",
		}}
	}

	wg.Wait()
	close(results)
	<-collected

	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	if obs != nil {
		obs.OnFinish(rr)
	}

	interrupted := false
	for i := range rr.Items {
		if rr.Items[i].ErrorCode == ErrCodeCanceled {
			interrupted = true
			break
		}
	}
	switch {
	case abortErr != nil:
		return rr, fmt.Errorf("网络失败，已中止运行：%w", abortErr)
	case interrupted:
		if err := ctx.Err(); err != nil {
			return rr, err
		}
		return rr, context.Canceled
	}
	return rr, nil
}

func (f *Fetcher) notify(idx int, it WorkItem, st State) {
	if f.opts.obs != nil {
		f.opts.obs.OnItemState(idx, it, st)
	}
}

// fetchOne 在已持有一个许可的前提下处理单个条目，并负责释放该许可。
// 许可只覆盖“请求 + 读完 body”，落盘在释放之后进行。
//
// onNetErr 非 nil 时，网络失败会在释放许可之前回调它，
// 这样等许可的下一个条目一定能看到中止。
func (f *Fetcher) fetchOne(ctx context.Context, sem *semaphore.Weighted, it WorkItem, onNetErr func(error)) (ItemResult, error) {
	res := ItemResult{Name: it.Name, URL: it.URL}

	body, status, err := func() ([]byte, int, error) {
		defer sem.Release(1)
		b, st, err := f.get(ctx, it.URL)
		if err != nil && onNetErr != nil && errorCode(err) == ErrCodeNetworkFailed {
			onNetErr(err)
		}
		return b, st, err
	}()
	res.HTTPStatus = status
	if err != nil {
		var he *HTTPStatusError
		if errors.As(err, &he) {
			res.Status = StateSkippedStatus
		} else {
			res.Status = StateFailed
		}
		res.ErrorCode = errorCode(err)
		res.ErrorMsg = err.Error()
		return res, err
	}

	if f.opts.atomic {
		err = fsx.WriteFileAtomicNoOverwrite(f.fsys, it.Name, body)
	} else {
		err = fsx.WriteFileExclusive(f.fsys, it.Name, body)
	}
	if err != nil {
		werr := &WriteError{Name: it.Name, Err: err}
		res.Status = StateFailed
		res.ErrorCode = errorCode(werr)
		res.ErrorMsg = werr.Error()
		return res, werr
	}

	res.Status = StateWritten
	res.Bytes = int64(len(body))
	return res, nil
}

// get 发起 GET 并读完 body。非 200 返回 *HTTPStatusError（附带状态码）。
func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, 0, fmt.Errorf("%w：%v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, 0, fmt.Errorf("%w：%q", ErrInvalidURL, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w：%v", ErrInvalidURL, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
		return nil, resp.StatusCode, &HTTPStatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &NetworkError{URL: rawURL, Err: err}
	}
	return b, resp.StatusCode, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
