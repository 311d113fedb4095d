package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 传输错误分类
type Kind string

const (
	KindTimeout            Kind = "timeout"
	KindUnauthorized       Kind = "unauthorized"
	KindNotFoundOrConflict Kind = "not_found_or_conflict"
	KindUnprocessable      Kind = "unprocessable"
	KindServerError        Kind = "server_error"
	KindUnknown            Kind = "unknown"
)

// Error 归一化的传输错误。
// Status == 0 表示未收到任何响应（网络失败或尚未发出）。
type Error struct {
	Status  int
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport error [%d/%s]: %s", e.Status, e.Kind, e.Message)
}

// IsTimeout 判断是否为超时错误
func (e *Error) IsTimeout() bool { return e.Kind == KindTimeout }

// IsUnauthorized 判断是否为鉴权失败（401）
func (e *Error) IsUnauthorized() bool { return e.Kind == KindUnauthorized }

// IsConflict 判断是否为离线/占用/未知桩（404/409）
func (e *Error) IsConflict() bool { return e.Kind == KindNotFoundOrConflict }

// Transient 是否属于可重试的瞬时故障：无响应、超时、5xx
func (e *Error) Transient() bool {
	return e.Status == 0 || e.Kind == KindTimeout || e.Kind == KindServerError
}

// classify 按 HTTP 状态码归类
func classify(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusNotFound || status == http.StatusConflict:
		return KindNotFoundOrConflict
	case status == http.StatusUnprocessableEntity:
		return KindUnprocessable
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}

// AsError 提取归一化传输错误
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// StatusOf 返回错误携带的 HTTP 状态码；非传输错误返回 0
func StatusOf(err error) int {
	if te, ok := AsError(err); ok {
		return te.Status
	}
	return 0
}
