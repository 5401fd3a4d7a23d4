package discovery

import (
	"errors"
	"fmt"
)

// 解析错误码
const (
	ErrNotFound = iota + 1
	ErrNoValidInstance
)

// ResolutionError 服务名解析失败
type ResolutionError struct {
	Code        int
	ServiceName string
	Message     string
	Err         error
}

// Error 实现error接口
func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("解析服务失败 [%s]: %s: %v", e.ServiceName, e.Message, e.Err)
	}
	return fmt.Sprintf("解析服务失败 [%s]: %s", e.ServiceName, e.Message)
}

// Unwrap 返回底层错误
func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// NewResolutionError 创建解析错误
func NewResolutionError(code int, serviceName, message string, err error) *ResolutionError {
	return &ResolutionError{
		Code:        code,
		ServiceName: serviceName,
		Message:     message,
		Err:         err,
	}
}

// IsResolutionError 判断err是否为解析错误，code为0时匹配任意错误码
func IsResolutionError(err error, code int) bool {
	var re *ResolutionError
	if !errors.As(err, &re) {
		return false
	}
	return code == 0 || re.Code == code
}
