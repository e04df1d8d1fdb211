// Package progress 把 fetch 的运行事件渲染成简洁的终端进度输出。
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/bulkfetch/fetch"
)

var _ fetch.Observer = (*UI)(nil)

// UI 是一个事件驱动的进度输出：fetch 只发事件，这里决定怎么展示。
//
// 长时间没有条目完成时，会定期输出一行“进度:”，避免看起来像卡住。
type UI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	total  int
	done   int
	ok     int
	fail   int
	skip   int
	active int

	// 只打印失败与写入；已存在的条目通常成千上万，逐条打印是噪音。
	quietSkipExists bool

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

// New 返回写到 w 的进度输出。
func New(w io.Writer) *UI {
	return &UI{
		w:                  w,
		quietSkipExists:    true,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

// SetKeepalive 调整 keepalive 的检查间隔与静默阈值；<=0 保持默认值。
func (p *UI) SetKeepalive(interval, threshold time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if interval > 0 {
		p.tickerInterval = interval
	}
	if threshold > 0 {
		p.keepaliveThreshold = threshold
	}
}

// SetVerbose 为 true 时已存在而跳过的条目也逐条输出。
func (p *UI) SetVerbose(v bool) {
	p.mu.Lock()
	p.quietSkipExists = !v
	p.mu.Unlock()
}

func (p *UI) OnStart(info fetch.RunInfo) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.startedAt = now
	p.total = info.Total

	fmt.Fprintf(p.w, "[%s] bulkfetch run %s\n", now.Format("15:04:05"), shortID(info.RunID))
	fmt.Fprintf(p.w, "  dir: %s\n", info.Dir)
	fmt.Fprintf(p.w, "  items: %d (已存在 %d)\n", info.Total, info.Existing)
	fmt.Fprintf(p.w, "  concurrency: %d\n", info.Concurrency)
	fmt.Fprintf(p.w, "  pace: %s\n", info.Pace)
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
	if p.total > 0 && !p.tickerStarted {
		p.startTickerLocked()
	}
}

func (p *UI) OnItemState(idx int, item fetch.WorkItem, st fetch.State) {
	if st != fetch.StateInFlight {
		return
	}
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
}

func (p *UI) OnItemDone(done, total int, res fetch.ItemResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = done
	p.total = total

	switch res.Status {
	case fetch.StateWritten:
		p.ok++
		p.active--
		fmt.Fprintf(p.w, "[%d/%d] %s OK %s (%s)\n",
			done, total, res.Name, formatBytes(res.Bytes), formatShortDuration(dur),
		)
	case fetch.StateSkippedStatus:
		p.skip++
		p.active--
		fmt.Fprintf(p.w, "[%d/%d] %s SKIP HTTP %d (%s)\n",
			done, total, res.Name, res.HTTPStatus, formatShortDuration(dur),
		)
	case fetch.StateSkippedExists:
		p.skip++
		if !p.quietSkipExists {
			fmt.Fprintf(p.w, "[%d/%d] %s SKIP (已存在)\n", done, total, res.Name)
		}
	case fetch.StateFailed:
		p.fail++
		// canceled 的条目从未发起请求，不占 active。
		if res.ErrorCode != fetch.ErrCodeCanceled || dur > 0 {
			p.active--
		}
		fmt.Fprintf(p.w, "[%d/%d] %s FAIL %s: %s (%s)\n",
			done, total, res.Name, res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
		)
	}
	if p.active < 0 {
		p.active = 0
	}

	if !p.quietSkipExists || res.Status != fetch.StateSkippedExists {
		p.lastPrinted = time.Now()
	}

	// 最后一条完成：停止 ticker，避免在结束打印后又冒出 keepalive。
	if p.tickerStarted && p.done >= p.total {
		p.stopTickerLocked()
	}
}

func (p *UI) OnFinish(rr fetch.RunReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tickerStarted {
		p.stopTickerLocked()
	}

	s := rr.Summary
	fmt.Fprintf(p.w, "\n完成: total=%d written=%d skipped_exists=%d skipped_status=%d failed=%d elapsed=%s\n",
		s.Total, s.Written, s.SkippedExists, s.SkippedStatus, s.Failed, formatElapsed(time.Since(p.startedAt)),
	)
	p.lastPrinted = time.Now()
}

func (p *UI) startTickerLocked() {
	stop := make(chan struct{})
	p.stopCh = stop
	p.tickerStarted = true

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && p.done >= p.total {
					p.mu.Unlock()
					return
				}
				if time.Since(p.lastPrinted) > threshold {
					p.printProgressLocked()
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (p *UI) stopTickerLocked() {
	close(p.stopCh)
	p.tickerStarted = false
}

func (p *UI) printProgressLocked() {
	fmt.Fprintf(p.w, "进度: done=%d/%d ok=%d fail=%d skip=%d active=%d elapsed=%s\n",
		p.done, p.total, p.ok, p.fail, p.skip, p.active, formatElapsed(time.Since(p.startedAt)),
	)
	p.lastPrinted = time.Now()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate 按字符（rune）截断，中文错误信息不会被截成半个字。
func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
