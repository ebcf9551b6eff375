package errors

import (
	"fmt"
)

// AppError 自定义应用错误
// 设计说明：
// 1. Code用于调用方判断错误类型（不要直接暴露HTTP状态码）
// 2. Message是面向使用者的提示信息
// 3. Err是内部错误，仅记录到日志，不返回给调用方（防止泄露敏感信息）
type AppError struct {
	Code    int    `json:"code"`    // 业务错误码
	Message string `json:"message"` // 用户友好的错误提示
	Err     error  `json:"-"`       // 内部错误（不序列化）
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Is和errors.As
func (e *AppError) Unwrap() error {
	return e.Err
}

// New 创建新的AppError
func New(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装系统错误（如数据库错误、锁服务错误）
// 用途：将底层错误转换为业务错误，隐藏实现细节
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// Wrapf 格式化包装错误
func Wrapf(err error, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    ErrCodeInternal,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// =========================================
// 错误码定义
// =========================================
// 规范：
// - 4xxxx: 调用方错误（参数错误、业务规则校验失败）
// - 5xxxx: 服务端错误（数据库异常、锁服务异常）

const (
	// 系统级错误码（50000-50099）
	ErrCodeInternal      = 50000 // 内部错误
	ErrCodeDatabaseError = 50001 // 数据库错误
	ErrCodeRedisError    = 50002 // Redis错误
	ErrCodeMQError       = 50003 // 消息队列错误

	// 资源错误（40400-40499）
	ErrCodeNotFound            = 40400 // 资源不存在(通用)
	ErrCodeInventoryNotFound   = 40401 // 库存记录不存在
	ErrCodeReservationNotFound = 40402 // 预留记录不存在

	// 业务规则错误（40000-40099）
	ErrCodeBusinessError        = 40000 // 业务错误(通用)
	ErrCodeInsufficientStock    = 40001 // 库存不足
	ErrCodeBelowReserved        = 40002 // 调整后低于预留量
	ErrCodeReservationNotActive = 40003 // 预留状态不允许该操作
	ErrCodeCannotCommitExpired  = 40004 // 预留已过期
	ErrCodeAlreadyCommitted     = 40005 // 重复提交
	ErrCodeInconsistentRecord   = 40006 // 库存数量不一致

	// 冲突/参数错误（40900-40999）
	ErrCodeConflict      = 40900 // 并发修改冲突(可重试)
	ErrCodeInvalidParams = 40901 // 参数错误
)

// =========================================
// 预定义错误（避免每次都New）
// =========================================

var (
	ErrInternal      = New(ErrCodeInternal, "系统内部错误")
	ErrDatabaseError = New(ErrCodeDatabaseError, "数据库错误")
	ErrRedisError    = New(ErrCodeRedisError, "缓存服务错误")
	ErrMQError       = New(ErrCodeMQError, "消息队列错误")
)
