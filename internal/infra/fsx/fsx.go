package fsx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
)

const filePerm os.FileMode = 0o644

// 通过可替换的函数指针，让测试能稳定模拟 rename 失败。
var renameFunc = renameNoReplace

// osDir 是 OpenDir 返回的磁盘目录，记住真实路径以便做 link。
type osDir struct {
	billy.Filesystem
	dir string
}

// renameNoReplace 把 from 改名为 to，且不替换已存在的 to。
//
// 磁盘目录上用 link + remove：link 在目标已存在时必然失败。
// 其它 billy 实现（或不支持硬链接的文件系统）退回普通 Rename，
// 此时“不覆盖”只由调用方 rename 前的检查保证，检查与 rename 之间仍有窗口。
func renameNoReplace(fsys billy.Filesystem, from, to string) error {
	d, ok := fsys.(*osDir)
	if !ok {
		return fsys.Rename(from, to)
	}
	err := os.Link(filepath.Join(d.dir, from), filepath.Join(d.dir, to))
	switch {
	case err == nil:
		_ = fsys.Remove(from)
		return nil
	case errors.Is(err, os.ErrExist):
		return os.ErrExist
	default:
		return fsys.Rename(from, to)
	}
}

// PathTypeConflictError 表示目标路径类型冲突（例如期望目录但实际是文件）。
// 上层可把它映射为 error_code=target_conflict。
type PathTypeConflictError struct {
	Path string
	Want string
	Got  string
}

func (e *PathTypeConflictError) Error() string {
	return fmt.Sprintf("目标路径类型冲突：%q（期望 %s，实际 %s）", e.Path, e.Want, e.Got)
}

func IsPathTypeConflict(err error) bool {
	var e *PathTypeConflictError
	return errors.As(err, &e)
}

// OpenDir 确保 dir 存在（含父目录），并返回以 dir 为根的文件系统。
//
// dir 已存在但不是目录时返回 PathTypeConflictError。
func OpenDir(dir string) (billy.Filesystem, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("目录不能为空")
	}
	dir = filepath.Clean(strings.TrimSpace(dir))

	fi, err := os.Stat(dir)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return nil, &PathTypeConflictError{Path: dir, Want: "dir", Got: "file"}
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return &osDir{Filesystem: osfs.New(dir), dir: dir}, nil
}

// ListNames 返回 fsys 根目录下的全部条目名（文件与子目录都算）。
// 结果是一次性快照，之后的目录变化不会反映到返回值里。
func ListNames(fsys billy.Filesystem) (map[string]struct{}, error) {
	entries, err := fsys.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("billy: readdir %q: %w", fsys.Root(), err)
	}
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		names[e.Name()] = struct{}{}
	}
	return names, nil
}

// WriteFileAtomicNoOverwrite 在 fsys 根目录下原子写入 name（临时文件 + rename）。
//
// - 临时文件与目标在同目录，保证 rename 的原子性；前缀带 '.'，不会与正常文件名冲突
// - 目标已存在：返回 os.ErrExist（目录或特殊文件返回 PathTypeConflictError）
// - 任意步骤失败都会清理临时文件
func WriteFileAtomicNoOverwrite(fsys billy.Filesystem, name string, data []byte) error {
	if err := checkAbsent(fsys, name); err != nil {
		return err
	}

	tmpName := "." + name + ".tmp-" + uuid.NewString()[:8]
	f, err := fsys.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
		_ = fsys.Remove(tmpName)
	}()

	if err := writeAll(f, data); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	// rename 前再确认一次：快照之后可能有外部进程写入了同名文件。
	if err := checkAbsent(fsys, name); err != nil {
		return err
	}
	// rename 成功后，defer 里的 Remove 会因临时文件已不存在而无害失败。
	if err := renameFunc(fsys, tmpName, name); err != nil {
		if errors.Is(err, os.ErrExist) {
			return os.ErrExist
		}
		return err
	}
	return nil
}

// WriteFileExclusive 直接以 O_EXCL 创建 name 并一次性写入 data（非原子）。
//
// 写入中途失败会尽量删除已创建的半截文件，避免下次运行把它当成“已下载”。
func WriteFileExclusive(fsys billy.Filesystem, name string, data []byte) error {
	f, err := fsys.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		if os.IsExist(err) {
			return os.ErrExist
		}
		return err
	}

	werr := writeAll(f, data)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = fsys.Remove(name)
		return werr
	}
	return nil
}

func checkAbsent(fsys billy.Filesystem, name string) error {
	fi, err := fsys.Lstat(name)
	if err == nil {
		if fi.IsDir() {
			return &PathTypeConflictError{Path: fsys.Join(fsys.Root(), name), Want: "file", Got: "dir"}
		}
		if !fi.Mode().IsRegular() {
			return &PathTypeConflictError{Path: fsys.Join(fsys.Root(), name), Want: "regular file", Got: fi.Mode().Type().String()}
		}
		return os.ErrExist
	}
	if !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
