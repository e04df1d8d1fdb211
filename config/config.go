package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// ErrCodeNotFound 表示显式指定的配置文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingTarget 表示合并后仍没有 target_dir。
	ErrCodeMissingTarget = "config_missing_target"
)

const (
	// DefaultConcurrency 是并发预算的内置默认值。
	// 大量小文件的批量下载通常应显式调小（例如 1），避免压垮对端或耗尽本地 fd。
	DefaultConcurrency = 1000
	// DefaultPace 是相邻两次发起请求之间的固定间隔。
	DefaultPace = 100 * time.Millisecond
	// DefaultTimeout 是单个请求的总超时。
	DefaultTimeout = 20 * time.Second
)

const (
	// PolicyIsolate：单条网络失败只记入报告，不影响其它条目。
	PolicyIsolate = "isolate"
	// PolicyAbort：第一条网络失败后停止发起新请求，等待在途请求结束后返回错误。
	PolicyAbort = "abort"
)

// 环境变量覆盖（优先级高于配置文件）。
const (
	EnvTargetDir      = "BULKFETCH_TARGET_DIR"
	EnvMaxConcurrency = "BULKFETCH_MAX_CONCURRENCY"
	EnvProxyURL       = "BULKFETCH_PROXY_URL"
)

// FileConfig 对应 bulkfetch.toml 的解析结构。
type FileConfig struct {
	TargetDir      string `toml:"target_dir"`
	MaxConcurrency *int   `toml:"max_concurrency"`
	Pace           string `toml:"pace"`
	Timeout        string `toml:"timeout"`
	ProxyURL       string `toml:"proxy_url"`
	OnNetworkError string `toml:"on_network_error"`
	AtomicWrite    *bool  `toml:"atomic_write"`
	UserAgent      string `toml:"user_agent"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	TargetDir string

	MaxConcurrency int
	Pace           time.Duration
	Timeout        time.Duration

	ProxyURL  string
	UserAgent string

	OnNetworkError string
	AtomicWrite    bool
}

// Default 返回全部字段取默认值的配置（TargetDir 为空，需要调用方补上）。
func Default() EffectiveConfig {
	return EffectiveConfig{
		MaxConcurrency: DefaultConcurrency,
		Pace:           DefaultPace,
		Timeout:        DefaultTimeout,
		OnNetworkError: PolicyIsolate,
		AtomicWrite:    true,
	}
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingTarget:
		if e.Path == "" {
			return fmt.Sprintf("%s：缺少必填字段 target_dir", e.Code)
		}
		return fmt.Sprintf("%s：配置文件 %q 缺少必填字段 target_dir", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 读取配置文件（可选）并叠加环境变量，得到最终配置。
//
// 规则（固定）：
// - path 为空：不读文件，只用默认值 + 环境变量；相对 target_dir 以当前目录为基准
// - path 非空：文件必须存在；相对 target_dir 以配置文件所在目录为基准
// - 覆盖优先级：环境变量 > 配置文件 > 默认值
// - 未知字段直接报错（拼错的 max_concurrency 静默回落到 1000 代价太大）
func LoadEffective(path string, getenv func(string) string) (EffectiveConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	var (
		fc   FileConfig
		base string
		err  error
	)

	path = strings.TrimSpace(path)
	if path != "" {
		path, err = filepath.Abs(path)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: path, Err: err}
		}
		var exists bool
		fc, exists, err = readFileConfig(path)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: path, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: path, Err: os.ErrNotExist}
		}
		base = filepath.Dir(path)
	} else {
		base, err = os.Getwd()
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Err: err}
		}
	}

	if err := applyEnv(&fc, getenv); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: path, Err: err}
	}
	return merge(base, fc, path)
}

func applyEnv(fc *FileConfig, getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvTargetDir)); v != "" {
		fc.TargetDir = v
	}
	if v := strings.TrimSpace(getenv(EnvMaxConcurrency)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s 必须是整数，实际是 %q", EnvMaxConcurrency, v)
		}
		fc.MaxConcurrency = &n
	}
	if v := strings.TrimSpace(getenv(EnvProxyURL)); v != "" {
		fc.ProxyURL = v
	}
	return nil
}

func merge(base string, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	eff := Default()

	if strings.TrimSpace(fc.TargetDir) == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingTarget, Path: cfgPath}
	}
	eff.TargetDir = absCleanFrom(base, fc.TargetDir)

	// 显式写出的 0 也是错误：不回落到默认的 1000。
	if fc.MaxConcurrency != nil {
		if *fc.MaxConcurrency < 1 {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("max_concurrency 必须是正整数，实际是 %d", *fc.MaxConcurrency)}
		}
		eff.MaxConcurrency = *fc.MaxConcurrency
	}

	if s := strings.TrimSpace(fc.Pace); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("pace 无效：%q", s)}
		}
		eff.Pace = d
	}
	if s := strings.TrimSpace(fc.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("timeout 无效：%q", s)}
		}
		eff.Timeout = d
	}

	proxyURL := strings.TrimSpace(fc.ProxyURL)
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("proxy_url 无效：%q", proxyURL)}
		}
	}
	eff.ProxyURL = proxyURL
	eff.UserAgent = strings.TrimSpace(fc.UserAgent)

	if p := strings.ToLower(strings.TrimSpace(fc.OnNetworkError)); p != "" {
		if err := validatePolicy(p); err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		eff.OnNetworkError = p
	}
	if fc.AtomicWrite != nil {
		eff.AtomicWrite = *fc.AtomicWrite
	}
	return eff, nil
}

func validatePolicy(p string) error {
	switch p {
	case PolicyIsolate, PolicyAbort:
		return nil
	default:
		return fmt.Errorf("on_network_error 只能是 isolate 或 abort，实际是 %q", p)
	}
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 TOML 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	md, err := toml.Decode(string(b), &fc)
	if err != nil {
		return FileConfig{}, true, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return FileConfig{}, true, fmt.Errorf("未知字段：%s", strings.Join(keys, ", "))
	}
	return fc, true, nil
}
