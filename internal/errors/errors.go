package errors

import (
	"errors"
	"fmt"
)

// AppError 客户端错误类型
// 携带错误码，便于 UI 层区分传输、接口与会话问题
type AppError struct {
	Code    int    // 错误码
	Message string // 可展示的错误消息
	Err     error  // 原始错误（可选）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误，保留错误码和消息
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// Is 判断是否为指定错误（按错误码比较）
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，非 AppError 返回 CodeUnknown
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "unknown error"
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 传输相关 20000-20999
	CodeNotConnected   = 20001
	CodeEncodeFrame    = 20002
	CodeDialFailed     = 20003
	CodeConnectionGone = 20004

	// 接口相关 21000-21999
	CodeRequestFailed  = 21001
	CodeBadStatus      = 21002
	CodeDecodeResponse = 21003
	CodeUnauthorized   = 21004

	// 会话相关 22000-22999
	CodeNoSession       = 22001
	CodeUserUnresolved  = 22002
	CodeSessionCorrupt  = 22003
	CodeSessionWriteErr = 22004

	CodeUnknown = 29999
)

// ============== 预定义错误 ==============

// 传输相关
var (
	ErrNotConnected   = NewError(CodeNotConnected, "socket is not connected")
	ErrEncodeFrame    = NewError(CodeEncodeFrame, "failed to encode frame")
	ErrDialFailed     = NewError(CodeDialFailed, "failed to dial socket")
	ErrConnectionGone = NewError(CodeConnectionGone, "connection closed")
)

// 接口相关
var (
	ErrRequestFailed  = NewError(CodeRequestFailed, "chat api request failed")
	ErrBadStatus      = NewError(CodeBadStatus, "chat api returned error status")
	ErrDecodeResponse = NewError(CodeDecodeResponse, "failed to decode chat api response")
	ErrUnauthorized   = NewError(CodeUnauthorized, "chat api rejected token")
)

// 会话相关
var (
	ErrNoSession      = NewError(CodeNoSession, "no local session")
	ErrUserUnresolved = NewError(CodeUserUnresolved, "current user id cannot be resolved")
	ErrSessionCorrupt = NewError(CodeSessionCorrupt, "local session is corrupt")
	ErrSessionWrite   = NewError(CodeSessionWriteErr, "failed to persist local session")
)
