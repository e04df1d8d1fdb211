package fetch

import "time"

const (
	ErrCodeNetworkFailed  = "network_failed"
	ErrCodeHTTPStatus     = "http_status"
	ErrCodeWriteFailed    = "write_failed"
	ErrCodeTargetConflict = "target_conflict"
	ErrCodeInvalidURL     = "invalid_url"
	ErrCodeCanceled       = "canceled"
)

// RunReport 是一次 Start 的完整结果（条目顺序与输入顺序一致）。
//
// 报告只返回给调用方，fetcher 不会把它写进目标目录。
type RunReport struct {
	RunID string `json:"run_id"`
	Dir   string `json:"dir"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary `json:"summary"`
	Items   []ItemResult  `json:"items"`
}

type ReportSummary struct {
	Total         int `json:"total"`
	Written       int `json:"written"`
	SkippedExists int `json:"skipped_exists"`
	SkippedStatus int `json:"skipped_status"`
	Failed        int `json:"failed"`
}

type ItemResult struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Status State  `json:"status"`

	// HTTPStatus 仅在拿到响应时非零。
	HTTPStatus int   `json:"http_status,omitempty"`
	Bytes      int64 `json:"bytes,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}

// Finalize 做两件事：
// 1) 时间统一为 UTC
// 2) summary 由 items 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	s := ReportSummary{Total: len(r.Items)}
	for _, it := range r.Items {
		switch it.Status {
		case StateWritten:
			s.Written++
		case StateSkippedExists:
			s.SkippedExists++
		case StateSkippedStatus:
			s.SkippedStatus++
		case StateFailed:
			s.Failed++
		}
	}
	r.Summary = s
}

// Complete 报告是否每个条目都已落盘或本来就存在。
func (r RunReport) Complete() bool {
	return r.Summary.Written+r.Summary.SkippedExists == r.Summary.Total
}
