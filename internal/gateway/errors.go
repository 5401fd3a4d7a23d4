package gateway

import (
	"errors"
	"fmt"
)

// 路由错误码
const (
	ErrEmptyPath = iota + 1
	ErrNoServicePrefix
)

// 转发错误码
const (
	ErrTimeout = iota + 1
	ErrUnavailable
	ErrCanceled
)

// RoutingError 入站路径无法映射到服务
type RoutingError struct {
	Code    int
	Path    string
	Message string
}

// Error 实现error接口
func (e *RoutingError) Error() string {
	return fmt.Sprintf("路由失败 [%s]: %s", e.Path, e.Message)
}

// ForwardError 下游服务调用失败
type ForwardError struct {
	Code        int
	ServiceName string
	Err         error
}

// Error 实现error接口
func (e *ForwardError) Error() string {
	switch e.Code {
	case ErrTimeout:
		return fmt.Sprintf("服务[%s]请求超时: %v", e.ServiceName, e.Err)
	case ErrCanceled:
		return fmt.Sprintf("服务[%s]请求已被调用方取消: %v", e.ServiceName, e.Err)
	default:
		return fmt.Sprintf("服务[%s]不可用: %v", e.ServiceName, e.Err)
	}
}

// Unwrap 返回底层错误
func (e *ForwardError) Unwrap() error {
	return e.Err
}

// IsRoutingError 判断err是否为路由错误，code为0时匹配任意错误码
func IsRoutingError(err error, code int) bool {
	var re *RoutingError
	if !errors.As(err, &re) {
		return false
	}
	return code == 0 || re.Code == code
}

// IsForwardError 判断err是否为转发错误，code为0时匹配任意错误码
func IsForwardError(err error, code int) bool {
	var fe *ForwardError
	if !errors.As(err, &fe) {
		return false
	}
	return code == 0 || fe.Code == code
}
