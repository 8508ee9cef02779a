package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"pricesync/internal/pkg/ratelimit"
	"pricesync/internal/source"
)

// ErrClosed 客户端已关闭。
var ErrClosed = errors.New("fetch client closed")

// TransientError 可重试的抓取错误（超时、429、5xx、传输错误、拦截页）。
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient fetch error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient fetch error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError 不可重试的抓取错误（429 以外的 4xx、页面无法解析等）。
type FatalError struct {
	StatusCode int
	Err        error
}

func (e *FatalError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fatal fetch error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fatal fetch error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// StatusError 根据 HTTP 状态码构造对应类型的错误。
func StatusError(code int, url string) error {
	err := fmt.Errorf("GET %s: %s", url, http.StatusText(code))
	if code == http.StatusTooManyRequests || code >= 500 {
		return &TransientError{StatusCode: code, Err: err}
	}
	return &FatalError{StatusCode: code, Err: err}
}

// Class 错误分类结果。
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "none"
	}
}

// Classify 判断错误是否可重试。
//
// 已带类型的错误直接使用其类型；浏览器返回的裸错误按关键词归类。
// 未能识别的错误视为不可重试。
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return ClassTransient
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return ClassFatal
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrClosed):
		return ClassFatal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ratelimit.ErrRateLimitTimeout):
		return ClassTransient
	case errors.Is(err, source.ErrBlocked):
		return ClassTransient
	case errors.Is(err, source.ErrParse):
		return ClassFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range []string{
		"timeout", "deadline exceeded",
		"cloudflare", "too many requests", "429",
		"net::", "connection", "navigate", "eof",
	} {
		if strings.Contains(msg, kw) {
			return ClassTransient
		}
	}
	return ClassFatal
}

// ErrorType 返回用于 metrics 的错误类型标签。
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var transient *TransientError
	var fatal *FatalError
	switch {
	case errors.As(err, &transient) && transient.StatusCode > 0:
		return statusLabel(transient.StatusCode)
	case errors.As(err, &fatal) && fatal.StatusCode > 0:
		return statusLabel(fatal.StatusCode)
	case errors.Is(err, source.ErrBlocked):
		return "blocked"
	case errors.Is(err, source.ErrParse):
		return "parse_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ratelimit.ErrRateLimitTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "net::") || strings.Contains(msg, "connection") || strings.Contains(msg, "navigate"):
		return "network_error"
	default:
		return "unknown"
	}
}

func statusLabel(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return "429_rate_limited"
	case code == http.StatusForbidden:
		return "403_forbidden"
	case code >= 500:
		return "http_5xx"
	default:
		return "http_4xx"
	}
}
