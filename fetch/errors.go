package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/John-Robertt/bulkfetch/internal/infra/fsx"
)

// ValidationError 表示构造参数不合法（长度不一致、重名、非法文件名等）。
// 在任何目录操作与网络请求之前返回。
type ValidationError struct {
	Field string
	Index int // -1 表示与具体条目无关
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("参数无效：%s[%d]：%s", e.Field, e.Index, e.Msg)
	}
	return fmt.Sprintf("参数无效：%s：%s", e.Field, e.Msg)
}

// FilesystemError 表示目标目录无法创建或列出；对整次运行是致命的。
type FilesystemError struct {
	Op   string // "mkdir" / "list"
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("目标目录 %s 失败：%q：%v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// NetworkError 表示请求没有拿到完整响应（建连失败、超时、DNS、读 body 中断）。
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("请求失败：%s：%v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError 表示拿到了响应但状态码不是 200。
// 这是预期内的非致命结果：条目记为 skipped_status，不写文件。
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d：%s", e.StatusCode, e.URL)
}

// WriteError 表示本地写入失败（磁盘满、权限、目标被占用等）。
// 条目保持“未落盘”，下次运行会重新下载。
type WriteError struct {
	Name string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("写入 %q 失败：%v", e.Name, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsFilesystem(err error) bool {
	var e *FilesystemError
	return errors.As(err, &e)
}

func IsNetwork(err error) bool {
	var e *NetworkError
	return errors.As(err, &e)
}

// errorCode 把条目级错误映射为报告里的 error_code。
func errorCode(err error) string {
	var (
		ne *NetworkError
		he *HTTPStatusError
		we *WriteError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ErrCodeCanceled
	case errors.Is(err, ErrInvalidURL):
		return ErrCodeInvalidURL
	case errors.As(err, &he):
		return ErrCodeHTTPStatus
	case errors.As(err, &we):
		if errors.Is(we.Err, os.ErrExist) || fsx.IsPathTypeConflict(we.Err) {
			return ErrCodeTargetConflict
		}
		return ErrCodeWriteFailed
	case errors.As(err, &ne):
		return ErrCodeNetworkFailed
	default:
		return ErrCodeNetworkFailed
	}
}
