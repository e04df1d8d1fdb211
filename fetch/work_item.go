package fetch

// WorkItem 是一次下载的最小单元：把 URL 的响应体落盘为目标目录下的 Name。
// 构造后只读。
type WorkItem struct {
	URL  string
	Name string
}

// State 是单个 WorkItem 在一次运行中的状态。
//
//	pending -> skipped_exists
//	pending -> acquiring_slot -> in_flight -> written | skipped_status | failed
//
// 终态之后不再有任何动作，也不会回退。
type State string

const (
	StatePending       State = "pending"
	StateSkippedExists State = "skipped_exists"
	StateAcquiringSlot State = "acquiring_slot"
	StateInFlight      State = "in_flight"
	StateWritten       State = "written"
	StateSkippedStatus State = "skipped_status"
	StateFailed        State = "failed"
)

// Terminal 报告 s 是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateSkippedExists, StateWritten, StateSkippedStatus, StateFailed:
		return true
	default:
		return false
	}
}
