package fetch

import "time"

// RunInfo 是 OnStart 时已知的运行概况。
type RunInfo struct {
	RunID       string
	Dir         string
	Total       int
	Existing    int // 输入中已在目标目录存在、将被跳过的条目数
	Concurrency int
	Pace        time.Duration
}

// Observer 用于把“运行进度/条目状态”从下载流程中解耦出来。
//
// 约束：
// - fetch 包只负责发事件，不做任何输出
// - 实现必须并发安全：OnItemState 可能来自多个 goroutine
// - 实现不应阻塞太久：OnItemDone 在结果汇总 goroutine 里同步调用
type Observer interface {
	// OnStart 在第一个请求发起之前调用。
	OnStart(info RunInfo)
	// OnItemState 在条目进入 acquiring_slot / in_flight 时调用。
	OnItemState(idx int, item WorkItem, st State)
	// OnItemDone 在条目到达终态时调用；done 从 1 递增到 total。
	OnItemDone(done, total int, res ItemResult, dur time.Duration)
	// OnFinish 在所有条目到达终态后调用（报告已 Finalize）。
	OnFinish(rr RunReport)
}
