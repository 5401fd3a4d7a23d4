package registration

import "fmt"

// RegistrationError 注册流程中某一步失败
type RegistrationError struct {
	Op        string
	ServiceID string
	Err       error
}

// Error 实现error接口
func (e *RegistrationError) Error() string {
	return fmt.Sprintf("服务注册失败 [%s] %s: %v", e.ServiceID, e.Op, e.Err)
}

// Unwrap 返回底层错误
func (e *RegistrationError) Unwrap() error {
	return e.Err
}
